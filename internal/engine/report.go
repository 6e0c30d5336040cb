package engine

import (
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/stakeholder/tokensim/internal/config"
	"github.com/stakeholder/tokensim/internal/model"
	"github.com/stakeholder/tokensim/internal/token"
)

// BuildReport packages a finished state for the presentation layer.
func BuildReport(st *State, cfg *config.Simulation) *model.RunReport {
	return &model.RunReport{
		ID:             uuid.New().String(),
		CreatedAt:      time.Now().UTC(),
		Seed:           cfg.Seed,
		SimDays:        cfg.SimDays,
		UsersPerDay:    cfg.UsersPerDay,
		TxProb:         cfg.TxProb,
		TokenIDs:       token.IDs(len(st.Prices)),
		History:        slices.Clone(st.History),
		Transactions:   slices.Clone(st.Transactions),
		Failed:         slices.Clone(st.Failed),
		LPContribs:     slices.Clone(st.LPContribs),
		Users:          st.Users.Users(),
		FinalPrices:    slices.Clone(st.Prices),
		FinalSupply:    slices.Clone(st.Supply),
		Circulating:    slices.Clone(st.Circulating),
		PendingBurn:    slices.Clone(st.Ledger.PendingBurn),
		BuyVolume:      slices.Clone(st.BuyVolume),
		TotalFees:      st.TotalFees,
		InitialReserve: st.Ledger.Initial,
		GlobalReserve:  st.Ledger.Reserve,
		Buffer:         st.Ledger.Buffer,
		Dropped:        st.Dropped,
	}
}
