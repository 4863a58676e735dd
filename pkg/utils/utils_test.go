package utils

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ci-scheduler/pkg/errors"
)

func respond(t *testing.T, fn func(c *gin.Context)) Response {
	t.Helper()
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	fn(c)

	require.Equal(t, http.StatusOK, w.Code)
	var resp Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func TestErrorResponses(t *testing.T) {
	resp := respond(t, func(c *gin.Context) {
		Error(c, errors.Wrap(errors.CodeUnprocessable, "Reference not found", fmt.Errorf("ref missing")))
	})
	assert.Equal(t, errors.CodeUnprocessable, resp.Code)
	assert.Equal(t, "ref missing", resp.Detail)

	resp = respond(t, func(c *gin.Context) {
		Error(c, errors.Wrap(errors.CodeDatabaseError, "查询失败", fmt.Errorf("dial tcp 10.0.0.1:3306")))
	})
	assert.Equal(t, errors.CodeDatabaseError, resp.Code)
	assert.Empty(t, resp.Detail)

	resp = respond(t, func(c *gin.Context) {
		Error(c, fmt.Errorf("wrapped: %w", errors.ErrInvalidState))
	})
	assert.Equal(t, errors.CodeConflict, resp.Code)

	resp = respond(t, func(c *gin.Context) { Error(c, fmt.Errorf("boom")) })
	assert.Equal(t, errors.CodeInternalError, resp.Code)
	assert.NotContains(t, resp.Message, "boom")
}

func TestSuccessResponse(t *testing.T) {
	resp := respond(t, func(c *gin.Context) { Success(c, gin.H{"id": 1}) })
	assert.Equal(t, errors.CodeSuccess, resp.Code)
	assert.Equal(t, map[string]interface{}{"id": float64(1)}, resp.Data)
}

type bindTarget struct {
	ProjectID int64  `json:"project_id" binding:"required,min=1"`
	State     string `json:"state" binding:"required,oneof=running success failed"`
	Ref       string `json:"ref" binding:"max=3"`
}

func bind(t *testing.T, body string) error {
	t.Helper()
	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	c.Request.Header.Set("Content-Type", "application/json")
	var target bindTarget
	return c.ShouldBindJSON(&target)
}

func TestFormatValidationError(t *testing.T) {
	RegisterJSONFieldNames()

	assert.Empty(t, FormatValidationError(nil))

	msg := FormatValidationError(bind(t, `{"state":"done","ref":"feature"}`))
	assert.Contains(t, msg, "field 'project_id' is required")
	assert.Contains(t, msg, "field 'state' must be one of: running success failed")
	assert.Contains(t, msg, "field 'ref' must be at most 3")
	assert.NotContains(t, msg, "EXTRA")

	assert.Equal(t, "field 'project_id' should be int64",
		FormatValidationError(bind(t, `{"project_id":"one","state":"running"}`)))
	assert.Equal(t, "invalid JSON format", FormatValidationError(bind(t, `{"project_id":1,}`)))
}
