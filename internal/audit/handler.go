package audit

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"pieceflow-backend/internal/models"
)

type MovementResponse struct {
	ID           uint             `json:"id"`
	RequestID    string           `json:"request_id"`
	OperatorID   uint             `json:"operator_id"`
	OperatorName string           `json:"operator_name"`
	BatchID      uint             `json:"batch_id"`
	RollID       uint             `json:"roll_id"`
	PartID       uint             `json:"part_id,omitempty"`
	Size         string           `json:"size,omitempty"`
	Stage        models.StageType `json:"stage"`
	Outcome      models.Outcome   `json:"outcome"`
	Quantity     int              `json:"quantity"`
	Description  string           `json:"description"`
	BeforeData   datatypes.JSON   `json:"before_data,omitempty"`
	AfterData    datatypes.JSON   `json:"after_data,omitempty"`
	CreatedAt    string           `json:"created_at"`
}

// GET /api/movements?batch_id=&roll_id=&operator_id=&limit=
func ListMovementsHandler(db *gorm.DB) fiber.Handler {
	return func(c *fiber.Ctx) error {
		f := ListFilter{
			BatchID:    uint(c.QueryInt("batch_id", 0)),
			RollID:     uint(c.QueryInt("roll_id", 0)),
			OperatorID: uint(c.QueryInt("operator_id", 0)),
			Limit:      c.QueryInt("limit", 100),
		}
		if f.BatchID == 0 && f.RollID == 0 && f.OperatorID == 0 {
			return fiber.NewError(fiber.StatusBadRequest, "batch_id, roll_id veya operator_id filtrelerinden biri zorunludur")
		}

		rows, err := List(c.UserContext(), db, f)
		if err != nil {
			return err
		}

		withData := c.QueryBool("details", false)
		resp := make([]MovementResponse, 0, len(rows))
		for _, m := range rows {
			r := MovementResponse{
				ID:           m.ID,
				RequestID:    m.RequestID,
				OperatorID:   m.OperatorID,
				OperatorName: m.OperatorName,
				BatchID:      m.BatchID,
				RollID:       m.RollID,
				PartID:       m.PartID,
				Size:         m.Size,
				Stage:        m.Stage,
				Outcome:      m.Outcome,
				Quantity:     m.Quantity,
				Description:  m.Description,
				CreatedAt:    m.CreatedAt.Format(time.RFC3339),
			}
			// ayrıntılar istenmedikçe önceki/sonraki sayaçlar gönderilmez
			if withData {
				r.BeforeData = m.BeforeData
				r.AfterData = m.AfterData
			}
			resp = append(resp, r)
		}
		return c.JSON(resp)
	}
}
