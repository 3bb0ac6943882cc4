package production

import (
	"bytes"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"pieceflow-backend/internal/apperr"
	"pieceflow-backend/internal/auth"
	"pieceflow-backend/internal/ledger"
)

func (h *harness) upload(path, filename string, content []byte, fields map[string]string) (int, []byte) {
	h.t.Helper()
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	part, err := w.CreateFormFile("file", filename)
	require.NoError(h.t, err)
	_, err = part.Write(content)
	require.NoError(h.t, err)
	for k, v := range fields {
		require.NoError(h.t, w.WriteField(k, v))
	}
	require.NoError(h.t, w.Close())

	req := httptest.NewRequest(http.MethodPost, path, &body)
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+h.tokens[auth.RoleOperator])
	resp, err := h.app.Test(req, -1)
	require.NoError(h.t, err)
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	require.NoError(h.t, err)
	return resp.StatusCode, out
}

func cutSheet(t *testing.T, rows ...[]any) []byte {
	t.Helper()
	f := excelize.NewFile()
	defer f.Close()
	for i, r := range rows {
		require.NoError(t, f.SetSheetRow("Sheet1", fmt.Sprintf("A%d", i+1), &r))
	}
	buf, err := f.WriteToBuffer()
	require.NoError(t, err)
	return buf.Bytes()
}

func TestUploadCutSheet(t *testing.T) {
	h := newHarness(t)
	_, _, batch := h.setupShirt()
	roll := batch.Rolls[0].ID
	path := fmt.Sprintf("/api/rolls/%d/cut/upload", roll)

	sheet := cutSheet(t,
		[]any{"Parça", "Beden", "Adet"},
		[]any{"ön", "M", 8},
		[]any{"ARKA", "M", 8},
		[]any{"Ön", "M", 2},
	)
	reqID := uuid.NewString()
	status, raw := h.upload(path, "kesim.xlsx", sheet, map[string]string{"close": "true", "request_id": reqID})
	require.Equal(t, fiber.StatusOK, status, string(raw))
	res := decode[ledger.CutResult](t, raw)
	assert.True(t, res.Roll.IsCut)
	require.Len(t, res.Records, 2)
	assert.Equal(t, 10, res.Records[0].Cut)
	assert.Equal(t, 8, res.Records[1].Cut)

	// aynı istek tekrar gönderilirse kayıt çoğalmaz
	status, raw = h.upload(path, "kesim.xlsx", sheet, map[string]string{"close": "true", "request_id": reqID})
	require.Equal(t, fiber.StatusOK, status, string(raw))
	assert.True(t, decode[ledger.CutResult](t, raw).Replayed)

	status, raw = h.upload(path, "kesim.xlsx", sheet, nil)
	assert.Equal(t, fiber.StatusConflict, status)
	assert.Equal(t, apperr.CodeInvalidTransition, decode[errorBody](t, raw).Code)
}

func TestUploadCutSheet_Rejects(t *testing.T) {
	h := newHarness(t)
	_, _, batch := h.setupShirt()
	path := fmt.Sprintf("/api/rolls/%d/cut/upload", batch.Rolls[1].ID)

	status, _ := h.upload(path, "kesim.csv", []byte("Ön;M;3"), nil)
	assert.Equal(t, fiber.StatusBadRequest, status)

	status, raw := h.upload(path, "kesim.xlsx", cutSheet(t, []any{"Cep", "M", 3}), nil)
	assert.Equal(t, fiber.StatusBadRequest, status)
	body := decode[errorBody](t, raw)
	assert.Equal(t, apperr.CodeInvalidArgument, body.Code)
	assert.EqualValues(t, 1, body.Details["row"])

	status, raw = h.upload(path, "kesim.xlsx", cutSheet(t, []any{"Ön", "M", 1.5}), nil)
	assert.Equal(t, fiber.StatusUnprocessableEntity, status)
	assert.Equal(t, apperr.CodeInvalidQuantity, decode[errorBody](t, raw).Code)

	status, raw = h.upload("/api/rolls/999/cut/upload", "kesim.xlsx", cutSheet(t, []any{"Ön", "M", 1}), nil)
	assert.Equal(t, fiber.StatusNotFound, status)
	assert.Equal(t, apperr.CodeNotFound, decode[errorBody](t, raw).Code)
}
