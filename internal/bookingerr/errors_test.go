package bookingerr

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorIsMatchesByCode(t *testing.T) {
	err := fmt.Errorf("booking: %w", New(CodeOpportunityIsFull, "no spaces left"))

	assert.True(t, errors.Is(err, &Error{Code: CodeOpportunityIsFull}))
	assert.False(t, errors.Is(err, &Error{Code: CodeUnknownOrder}))

	de, ok := AsDomain(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusConflict, de.StatusCode())

	_, ok = AsInternal(err)
	assert.False(t, ok)
}

func TestInternalErrorIsDistinctFromDomain(t *testing.T) {
	cause := errors.New("boom")
	err := fmt.Errorf("store: %w", WrapInternal(InternalStoreContract, "BookOrderItems left items unbooked", cause))

	ie, ok := AsInternal(err)
	require.True(t, ok)
	assert.Equal(t, InternalStoreContract, ie.Code)
	assert.ErrorIs(t, err, cause)

	_, ok = AsDomain(err)
	assert.False(t, ok)
}

func TestErrorBody(t *testing.T) {
	e := WithMetadata(CodeInvalidRPDEParameters, "afterId requires afterTimestamp", map[string]string{"parameter": "afterId"})

	var body map[string]any
	require.NoError(t, json.Unmarshal(e.Body(), &body))
	assert.Equal(t, "InvalidRPDEParametersError", body["@type"])
	assert.Equal(t, "afterId requires afterTimestamp", body["description"])
	assert.Equal(t, http.StatusBadRequest, e.StatusCode())
}

func TestCancelledIsClientFacing(t *testing.T) {
	assert.Equal(t, http.StatusServiceUnavailable, CodeCancelled.HTTPStatus())
}
