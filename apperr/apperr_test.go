package apperr

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestCodeOf(t *testing.T) {
	assert.Equal(t, CodeValidation, CodeOf(ErrEmptyMessage))
	assert.Equal(t, CodeNotFound, CodeOf(fmt.Errorf("lookup: %w", ErrMessageNotFound)))
	assert.Equal(t, CodeInternal, CodeOf(errors.New("boom")))
}

func TestIsMatchesSentinel(t *testing.T) {
	err := Validation("receiver is not a known user")
	assert.True(t, errors.Is(err, ErrUnknownReceiver))
	assert.False(t, errors.Is(err, ErrUnknownSender))
	assert.False(t, errors.Is(ErrMessageNotFound, ErrUserNotFound))
}

func TestPersistenceHidesCause(t *testing.T) {
	err := Persistence(errors.New("disk I/O error"))
	assert.Equal(t, CodePersistence, CodeOf(err))
	assert.Equal(t, "store write failed", MessageOf(err))
	assert.Contains(t, err.Error(), "disk I/O error")
}

func TestHTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, HTTPStatus(CodeValidation))
	assert.Equal(t, http.StatusNotFound, HTTPStatus(CodeNotFound))
	assert.Equal(t, http.StatusConflict, HTTPStatus(CodeAlreadyExists))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(CodePersistence))
}
