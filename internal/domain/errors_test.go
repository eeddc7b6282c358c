package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorKindMatching(t *testing.T) {
	err := StateErr("orchestrator.buy", "proposal %s is %s", "p1", ProposalClosed)
	wrapped := fmt.Errorf("http: buy: %w", err)

	assert.ErrorIs(t, wrapped, ErrState)
	assert.NotErrorIs(t, wrapped, ErrEconomic)
	assert.Equal(t, KindState, KindOf(wrapped))
	assert.Contains(t, err.Error(), "orchestrator.buy: state error: proposal p1 is closed")
}

func TestWrapKeepsCause(t *testing.T) {
	cause := errors.New("insufficient funds")
	err := Wrap(KindEconomic, "custody.deposit", cause)

	assert.ErrorIs(t, err, cause)
	assert.ErrorIs(t, err, ErrEconomic)
	assert.Nil(t, Wrap(KindEconomic, "noop", nil))
}

func TestKindOfUnclassified(t *testing.T) {
	assert.Equal(t, ErrorKind(""), KindOf(errors.New("plain")))
	assert.Equal(t, ErrorKind(""), KindOf(nil))
}
