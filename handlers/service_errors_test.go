package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/buildplane/backend/repositories"
	"github.com/buildplane/backend/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestHandleRepositoryError(t *testing.T) {
	logger := zap.NewNop()

	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"nil error writes nothing", nil, http.StatusOK},
		{"profile not found maps to 404", repositories.ErrProfileNotFound, http.StatusNotFound},
		{"wrapped not found maps to 404", errors.Join(errors.New("lookup"), repositories.ErrProfileNotFound), http.StatusNotFound},
		{"unknown error maps to 500", errors.New("driver: bad connection"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			HandleRepositoryError(rec, tt.err, logger)
			assert.Equal(t, tt.wantStatus, rec.Code)
		})
	}
}

func TestHandleRepositoryErrorHidesDetails(t *testing.T) {
	rec := httptest.NewRecorder()
	HandleRepositoryError(rec, errors.New("pq: password authentication failed"), zap.NewNop())

	var env utils.Envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.False(t, env.Success)
	assert.NotContains(t, env.Error, "pq:")
}

func TestHandleValidationError(t *testing.T) {
	logger := zap.NewNop()

	t.Run("field errors carry details", func(t *testing.T) {
		type payload struct {
			Tags []string `json:"tags" validate:"required,min=1"`
		}
		err := utils.ValidateStruct(payload{})
		require.Error(t, err)

		rec := httptest.NewRecorder()
		HandleValidationError(rec, err, logger)

		require.Equal(t, http.StatusBadRequest, rec.Code)
		var env struct {
			Success bool                   `json:"success"`
			Details map[string]interface{} `json:"details"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
		assert.False(t, env.Success)
		assert.NotEmpty(t, env.Details)
	})

	t.Run("plain error still maps to 400", func(t *testing.T) {
		rec := httptest.NewRecorder()
		HandleValidationError(rec, errors.New("invalid request body"), logger)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}
