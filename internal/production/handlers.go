package production

import (
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"

	"pieceflow-backend/internal/auth"
	"pieceflow-backend/internal/cutsheet"
	"pieceflow-backend/internal/ledger"
	"pieceflow-backend/internal/models"
	"pieceflow-backend/internal/refdata"
	"pieceflow-backend/internal/tracker"
)

type StartStageRequest struct {
	BatchID uint   `json:"batch_id"`
	StepID  uint   `json:"step_id"`
	LineID  uint   `json:"line_id"` // boşsa operatörün hattı
	RollIDs []uint `json:"roll_ids"`
}

type AssignLineRequest struct {
	LineID uint `json:"line_id"`
}

type OutcomeRequest struct {
	RollID    uint             `json:"roll_id"`
	PartID    uint             `json:"part_id"`
	Size      string           `json:"size"`
	Stage     models.StageType `json:"stage"`
	Quantity  int              `json:"quantity"`
	Outcome   models.Outcome   `json:"outcome"`
	RequestID string           `json:"request_id"`
}

type AssembleRequest struct {
	RollID    uint   `json:"roll_id"`
	Size      string `json:"size"`
	Sets      int    `json:"sets"`
	RequestID string `json:"request_id"`
}

type CutRequest struct {
	Entries   []ledger.CutEntry `json:"entries"`
	Close     bool              `json:"close"`
	RequestID string            `json:"request_id"`
}

type CheckRequest struct {
	RollID  uint `json:"roll_id"`
	BatchID uint `json:"batch_id"`
	LineID  uint `json:"line_id"`
}

func operatorOf(c *fiber.Ctx) (auth.Operator, ledger.Operator, error) {
	op, err := auth.CurrentOperator(c)
	if err != nil {
		return auth.Operator{}, ledger.Operator{}, err
	}
	return op, ledger.Operator{ID: op.ID, Name: op.Name}, nil
}

// istek kimliği gövdede yoksa Idempotency-Key başlığından alınır
func requestID(c *fiber.Ctx, body string) string {
	if strings.TrimSpace(body) != "" {
		return body
	}
	return c.Get("Idempotency-Key")
}

func paramID(c *fiber.Ctx, name string) (uint, error) {
	v, err := strconv.ParseUint(c.Params(name), 10, 64)
	if err != nil {
		return 0, fiber.NewError(fiber.StatusBadRequest, "Geçersiz "+name)
	}
	return uint(v), nil
}

// POST /api/stages/start
func StartStageHandler(s *Service) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var body StartStageRequest
		if err := c.BodyParser(&body); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "Geçersiz istek gövdesi")
		}
		if body.BatchID == 0 || body.StepID == 0 {
			return fiber.NewError(fiber.StatusBadRequest, "batch_id ve step_id zorunludur")
		}
		op, _, err := operatorOf(c)
		if err != nil {
			return err
		}
		if body.LineID == 0 && op.LineID != nil {
			body.LineID = *op.LineID
		}

		p, err := s.Tracker.StartStage(c.UserContext(), tracker.StartRequest{
			BatchID:    body.BatchID,
			StepID:     body.StepID,
			LineID:     body.LineID,
			RollIDs:    body.RollIDs,
			OperatorID: op.ID,
		})
		if err != nil {
			return err
		}
		return c.Status(fiber.StatusOK).JSON(p)
	}
}

// POST /api/stages/:id/assign-line
func AssignLineHandler(s *Service) fiber.Handler {
	return func(c *fiber.Ctx) error {
		id, err := paramID(c, "id")
		if err != nil {
			return err
		}
		var body AssignLineRequest
		if err := c.BodyParser(&body); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "Geçersiz istek gövdesi")
		}
		p, err := s.Tracker.AssignLine(c.UserContext(), id, body.LineID)
		if err != nil {
			return err
		}
		return c.JSON(p)
	}
}

// POST /api/ledger/outcomes
func ApplyOutcomeHandler(s *Service) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var body OutcomeRequest
		if err := c.BodyParser(&body); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "Geçersiz istek gövdesi")
		}
		_, op, err := operatorOf(c)
		if err != nil {
			return err
		}
		res, err := s.Ledger.ApplyOutcome(c.UserContext(), ledger.Mutation{
			RollID:    body.RollID,
			PartID:    body.PartID,
			Size:      body.Size,
			Stage:     models.StageType(strings.ToUpper(string(body.Stage))),
			Quantity:  body.Quantity,
			Outcome:   models.Outcome(strings.ToUpper(string(body.Outcome))),
			RequestID: requestID(c, body.RequestID),
			Operator:  op,
		})
		if err != nil {
			return err
		}
		status := fiber.StatusCreated
		if res.Replayed {
			status = fiber.StatusOK
		}
		return c.Status(status).JSON(res)
	}
}

// POST /api/ledger/assemble
func AssembleHandler(s *Service) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var body AssembleRequest
		if err := c.BodyParser(&body); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "Geçersiz istek gövdesi")
		}
		_, op, err := operatorOf(c)
		if err != nil {
			return err
		}
		res, err := s.Ledger.AssembleSets(c.UserContext(), ledger.AssembleRequest{
			RollID:    body.RollID,
			Size:      body.Size,
			Sets:      body.Sets,
			RequestID: requestID(c, body.RequestID),
			Operator:  op,
		})
		if err != nil {
			return err
		}
		status := fiber.StatusCreated
		if res.Replayed {
			status = fiber.StatusOK
		}
		return c.Status(status).JSON(res)
	}
}

// POST /api/rolls/:id/cut
func LogCutHandler(s *Service) fiber.Handler {
	return func(c *fiber.Ctx) error {
		rollID, err := paramID(c, "id")
		if err != nil {
			return err
		}
		var body CutRequest
		if err := c.BodyParser(&body); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "Geçersiz istek gövdesi")
		}
		_, op, err := operatorOf(c)
		if err != nil {
			return err
		}
		res, err := s.Ledger.LogCut(c.UserContext(), ledger.CutRequest{
			RollID:    rollID,
			Entries:   body.Entries,
			Close:     body.Close,
			RequestID: requestID(c, body.RequestID),
			Operator:  op,
		})
		if err != nil {
			return err
		}
		return c.JSON(res)
	}
}

// POST /api/rolls/:id/cut/upload  (multipart: file=.xlsx, close=true|false)
func UploadCutSheetHandler(s *Service) fiber.Handler {
	return func(c *fiber.Ctx) error {
		rollID, err := paramID(c, "id")
		if err != nil {
			return err
		}
		_, op, err := operatorOf(c)
		if err != nil {
			return err
		}

		fileHeader, err := c.FormFile("file")
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "Dosya yüklenemedi: "+err.Error())
		}
		if !strings.HasSuffix(strings.ToLower(fileHeader.Filename), ".xlsx") {
			return fiber.NewError(fiber.StatusBadRequest, "Sadece .xlsx dosyaları yüklenebilir")
		}
		file, err := fileHeader.Open()
		if err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, "Dosya açılamadı: "+err.Error())
		}
		defer file.Close()

		rows, err := cutsheet.Parse(file)
		if err != nil {
			return err
		}
		parts, err := s.RefData.RollParts(c.UserContext(), rollID)
		if err != nil {
			return err
		}
		entries, err := cutsheet.Resolve(rows, parts)
		if err != nil {
			return err
		}

		closeRoll, _ := strconv.ParseBool(c.FormValue("close"))
		res, err := s.Ledger.LogCut(c.UserContext(), ledger.CutRequest{
			RollID:    rollID,
			Entries:   entries,
			Close:     closeRoll,
			RequestID: requestID(c, c.FormValue("request_id")),
			Operator:  op,
		})
		if err != nil {
			return err
		}
		return c.JSON(res)
	}
}

// POST /api/stages/check
func CheckStagesHandler(s *Service) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var body CheckRequest
		if err := c.BodyParser(&body); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "Geçersiz istek gövdesi")
		}
		rep, err := s.Cascade.CheckAndCompleteStages(c.UserContext(), body.RollID, body.BatchID, body.LineID)
		if err != nil {
			return err
		}
		return c.JSON(rep)
	}
}

// GET /api/lines/:id/queue  (0 = hat atanmamış işler)
func QueueHandler(s *Service) fiber.Handler {
	return func(c *fiber.Ctx) error {
		lineID, err := paramID(c, "id")
		if err != nil {
			return err
		}
		q, err := s.Query.GetQueue(c.UserContext(), lineID)
		if err != nil {
			return err
		}
		return c.JSON(q)
	}
}

// GET /api/batches/:id
func BatchSummaryHandler(s *Service) fiber.Handler {
	return func(c *fiber.Ctx) error {
		id, err := paramID(c, "id")
		if err != nil {
			return err
		}
		sum, err := s.Query.BatchSummary(c.UserContext(), id)
		if err != nil {
			return err
		}
		return c.JSON(sum)
	}
}

// GET /api/rolls/:id/assembly?size=M
func AssemblyHandler(s *Service) fiber.Handler {
	return func(c *fiber.Ctx) error {
		id, err := paramID(c, "id")
		if err != nil {
			return err
		}
		b, err := s.Query.AssemblyBottleneck(c.UserContext(), id, c.Query("size"))
		if err != nil {
			return err
		}
		return c.JSON(b)
	}
}

// POST /api/products
func CreateProductHandler(s *Service) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var body refdata.ProductInput
		if err := c.BodyParser(&body); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "Geçersiz istek gövdesi")
		}
		p, err := s.RefData.CreateProduct(c.UserContext(), body)
		if err != nil {
			return err
		}
		return c.Status(fiber.StatusCreated).JSON(p)
	}
}

// POST /api/lines
func UpsertLineHandler(s *Service) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var body refdata.LineInput
		if err := c.BodyParser(&body); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "Geçersiz istek gövdesi")
		}
		l, err := s.RefData.UpsertLine(c.UserContext(), body)
		if err != nil {
			return err
		}
		return c.JSON(l)
	}
}

// POST /api/batches
func CreateBatchHandler(s *Service) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var body refdata.BatchInput
		if err := c.BodyParser(&body); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "Geçersiz istek gövdesi")
		}
		b, err := s.RefData.CreateBatch(c.UserContext(), body)
		if err != nil {
			return err
		}
		return c.Status(fiber.StatusCreated).JSON(b)
	}
}
