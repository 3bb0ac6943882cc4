package production

import (
	"gorm.io/gorm"

	"pieceflow-backend/internal/cascade"
	"pieceflow-backend/internal/flow"
	"pieceflow-backend/internal/ledger"
	"pieceflow-backend/internal/logger"
	"pieceflow-backend/internal/notify"
	"pieceflow-backend/internal/query"
	"pieceflow-backend/internal/refdata"
	"pieceflow-backend/internal/tracker"
)

// Service bundles the piece-flow components behind the HTTP layer.
type Service struct {
	DB      *gorm.DB
	Ledger  *ledger.Ledger
	Tracker *tracker.Tracker
	Cascade *cascade.Evaluator
	Query   *query.Service
	RefData *refdata.Service

	log *logger.Logger
}

// NewService wires the components; the ledger reconciles through the
// cascade evaluator after every commit.
func NewService(db *gorm.DB, log *logger.Logger, ledgerCfg ledger.Config, events notify.Publisher) *Service {
	if events == nil {
		events = notify.Nop{}
	}
	flows := flow.NewRepo(db)
	tr := tracker.New(db, log, flows, events)
	ev := cascade.New(db, log, flows, tr, events)
	return &Service{
		DB:      db,
		Ledger:  ledger.New(db, log, flows, ev, ledgerCfg),
		Tracker: tr,
		Cascade: ev,
		Query:   query.New(db, log, flows),
		RefData: refdata.New(db, log, tr),
		log:     log.With("component", "ProductionService"),
	}
}
