package refdata

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
	"gorm.io/gorm"

	"pieceflow-backend/internal/apperr"
	"pieceflow-backend/internal/dbctx"
	"pieceflow-backend/internal/flow"
	"pieceflow-backend/internal/logger"
	"pieceflow-backend/internal/models"
	"pieceflow-backend/internal/tracker"
)

// Service takes in reference data (products, flows, lines) and creates
// batches. Product definitions are write-once; a flow never changes after
// creation.
type Service struct {
	db      *gorm.DB
	log     *logger.Logger
	tracker *tracker.Tracker
}

func New(db *gorm.DB, log *logger.Logger, tr *tracker.Tracker) *Service {
	return &Service{db: db, log: log.With("component", "RefData"), tracker: tr}
}

type PartInput struct {
	Name string          `json:"name" yaml:"name"`
	Kind models.PartKind `json:"kind" yaml:"kind"`
}

type StepInput struct {
	Stage        models.StageType `json:"stage" yaml:"stage"`
	RequiresLine bool             `json:"requires_line" yaml:"requires_line"`
}

type ProductInput struct {
	Code  string      `json:"code" yaml:"code"`
	Name  string      `json:"name" yaml:"name"`
	Parts []PartInput `json:"parts" yaml:"parts"`
	Flow  []StepInput `json:"flow" yaml:"flow"`
}

// CreateProduct validates the flow and stores the product with its parts
// and steps in one transaction.
func (s *Service) CreateProduct(ctx context.Context, in ProductInput) (*models.Product, error) {
	in.Code = strings.TrimSpace(in.Code)
	in.Name = strings.TrimSpace(in.Name)
	if in.Code == "" || in.Name == "" {
		return nil, apperr.New(apperr.CodeInvalidArgument, "product code and name are required")
	}
	if len(in.Parts) == 0 {
		return nil, apperr.New(apperr.CodeInvalidArgument, "product %s needs at least one part", in.Code)
	}

	p := &models.Product{Code: in.Code, Name: in.Name}
	names := map[string]bool{}
	for _, part := range in.Parts {
		name := strings.TrimSpace(part.Name)
		if name == "" {
			return nil, apperr.New(apperr.CodeInvalidArgument, "part name is required")
		}
		if names[strings.ToLower(name)] {
			return nil, apperr.New(apperr.CodeInvalidArgument, "part %q appears more than once", name)
		}
		names[strings.ToLower(name)] = true
		kind := models.PartKind(strings.ToUpper(string(part.Kind)))
		switch kind {
		case "":
			kind = models.PartPrimary
		case models.PartPrimary, models.PartSupporting:
		default:
			return nil, apperr.New(apperr.CodeInvalidArgument, "unknown part kind %q", part.Kind)
		}
		p.Parts = append(p.Parts, models.PiecePart{Name: name, Kind: kind})
	}
	for i, st := range in.Flow {
		p.Steps = append(p.Steps, models.CycleFlowStep{
			Position:     i + 1,
			StageType:    models.StageType(strings.ToUpper(string(st.Stage))),
			RequiresLine: st.RequiresLine,
		})
	}
	if err := flow.Validate(p.Steps); err != nil {
		return nil, err
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&models.Product{}).Where("code = ?", in.Code).Count(&n).Error; err != nil {
			return err
		}
		if n > 0 {
			return apperr.New(apperr.CodeInvalidArgument, "product %s already exists", in.Code).With("code", in.Code)
		}
		return tx.Create(p).Error
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("product defined", "product_id", p.ID, "code", p.Code, "steps", len(p.Steps), "parts", len(p.Parts))
	return p, nil
}

type LineInput struct {
	Code string `json:"code" yaml:"code"`
	Name string `json:"name" yaml:"name"`
}

// UpsertLine creates the line or renames an existing one with the same code.
func (s *Service) UpsertLine(ctx context.Context, in LineInput) (*models.ProductionLine, error) {
	in.Code = strings.TrimSpace(in.Code)
	if in.Code == "" {
		return nil, apperr.New(apperr.CodeInvalidArgument, "line code is required")
	}
	if strings.TrimSpace(in.Name) == "" {
		in.Name = in.Code
	}
	var line models.ProductionLine
	err := s.db.WithContext(ctx).Where("code = ?", in.Code).First(&line).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		line = models.ProductionLine{Code: in.Code, Name: in.Name}
		if err := s.db.WithContext(ctx).Create(&line).Error; err != nil {
			return nil, err
		}
	case err != nil:
		return nil, err
	case line.Name != in.Name:
		line.Name = in.Name
		if err := s.db.WithContext(ctx).Save(&line).Error; err != nil {
			return nil, err
		}
	}
	return &line, nil
}

type RollInput struct {
	Code        string          `json:"code"`
	TotalLength decimal.Decimal `json:"total_length"`
}

type BatchInput struct {
	ProductID uint        `json:"product_id"`
	Code      string      `json:"code"`
	Rolls     []RollInput `json:"rolls"`
}

// CreateBatch stores a batch with its rolls and opens the first flow step
// as PENDING and unassigned.
func (s *Service) CreateBatch(ctx context.Context, in BatchInput) (*models.ProductionBatch, error) {
	in.Code = strings.TrimSpace(in.Code)
	if in.ProductID == 0 || in.Code == "" {
		return nil, apperr.New(apperr.CodeInvalidArgument, "product_id and code are required")
	}
	if len(in.Rolls) == 0 {
		return nil, apperr.New(apperr.CodeNoRollsSelected, "a batch needs at least one roll")
	}
	b := &models.ProductionBatch{ProductID: in.ProductID, Code: in.Code, Status: models.BatchPending}
	codes := map[string]bool{}
	for i, r := range in.Rolls {
		code := strings.TrimSpace(r.Code)
		if code == "" {
			code = fmt.Sprintf("%s-R%d", in.Code, i+1)
		}
		if codes[code] {
			return nil, apperr.New(apperr.CodeInvalidArgument, "roll code %s appears more than once", code)
		}
		codes[code] = true
		if !r.TotalLength.IsPositive() {
			return nil, apperr.New(apperr.CodeInvalidArgument, "roll %s needs a positive total_length", code)
		}
		b.Rolls = append(b.Rolls, models.FabricRoll{Code: code, TotalLength: r.TotalLength.Round(2)})
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var product models.Product
		if err := tx.Preload("Steps").First(&product, "id = ?", in.ProductID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apperr.New(apperr.CodeNotFound, "product %d not found", in.ProductID).With("product_id", in.ProductID)
			}
			return err
		}
		f, err := flow.New(product.ID, product.Steps)
		if err != nil {
			return err
		}
		var n int64
		if err := tx.Model(&models.ProductionBatch{}).Where("code = ?", in.Code).Count(&n).Error; err != nil {
			return err
		}
		if n > 0 {
			return apperr.New(apperr.CodeInvalidArgument, "batch %s already exists", in.Code).With("code", in.Code)
		}
		if err := tx.Omit("Product").Create(b).Error; err != nil {
			return err
		}
		_, _, err = s.tracker.EnsurePending(dbctx.Context{Ctx: ctx, Tx: tx}, b.ID, f.First().ID, 0)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("batch created", "batch_id", b.ID, "code", b.Code, "rolls", len(b.Rolls))
	return b, nil
}

// RollParts returns the parts of the product the roll's batch produces.
func (s *Service) RollParts(ctx context.Context, rollID uint) ([]models.PiecePart, error) {
	var parts []models.PiecePart
	err := s.db.WithContext(ctx).
		Joins("JOIN production_batches ON production_batches.product_id = piece_parts.product_id").
		Joins("JOIN fabric_rolls ON fabric_rolls.batch_id = production_batches.id").
		Where("fabric_rolls.id = ?", rollID).
		Order("piece_parts.id ASC").
		Find(&parts).Error
	if err != nil {
		return nil, err
	}
	if len(parts) == 0 {
		return nil, apperr.New(apperr.CodeNotFound, "roll %d not found", rollID).With("roll_id", rollID)
	}
	return parts, nil
}

// Seed is the YAML reference-data document.
type Seed struct {
	Lines    []LineInput    `yaml:"lines"`
	Products []ProductInput `yaml:"products"`
}

func ParseSeed(raw []byte) (*Seed, error) {
	var s Seed
	if err := yaml.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("seed YAML okunamadı: %w", err)
	}
	return &s, nil
}

// LoadSeedFile applies a seed file. Existing products (by code) are left as
// they are, so the same file can be applied on every start.
func (s *Service) LoadSeedFile(ctx context.Context, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("seed dosyası açılamadı: %w", err)
	}
	seed, err := ParseSeed(raw)
	if err != nil {
		return err
	}
	return s.Apply(ctx, seed)
}

func (s *Service) Apply(ctx context.Context, seed *Seed) error {
	for _, l := range seed.Lines {
		if _, err := s.UpsertLine(ctx, l); err != nil {
			return fmt.Errorf("line %s: %w", l.Code, err)
		}
	}
	created := 0
	for _, p := range seed.Products {
		var n int64
		if err := s.db.WithContext(ctx).Model(&models.Product{}).Where("code = ?", strings.TrimSpace(p.Code)).Count(&n).Error; err != nil {
			return err
		}
		if n > 0 {
			continue
		}
		if _, err := s.CreateProduct(ctx, p); err != nil {
			return fmt.Errorf("product %s: %w", p.Code, err)
		}
		created++
	}
	s.log.Info("reference data seeded", "lines", len(seed.Lines), "products_created", created)
	return nil
}
