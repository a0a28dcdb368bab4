package model

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRequestContext_Authenticated(t *testing.T) {
	assert.True(t, (&RequestContext{SubjectID: "user-1"}).Authenticated())
	assert.False(t, (&RequestContext{Email: "ops@example.com"}).Authenticated())

	var none *RequestContext
	assert.False(t, none.Authenticated())
}

func TestRequestContext_HasRole(t *testing.T) {
	rc := &RequestContext{Role: "MANAGER"}
	assert.True(t, rc.HasRole("MANAGER"))
	assert.False(t, rc.HasRole("DRIVER"))
	assert.False(t, rc.HasRole(""))
	assert.False(t, (&RequestContext{}).HasRole(""), "no role never matches the empty role")
}

func TestRequestContext_Claim(t *testing.T) {
	rc := &RequestContext{Claims: map[string]any{
		"email":        "ops@example.com",
		"realm_access": map[string]any{"roles": []any{"MANAGER", "DRIVER"}},
	}}

	assert.Equal(t, "ops@example.com", rc.Claim("email").Text())
	assert.Equal(t, "MANAGER", rc.Claim("realm_access.roles.0").Text())
	assert.True(t, rc.Claim("missing").IsNull())
	assert.True(t, (&RequestContext{}).Claim("email").IsNull())
}

func TestRequestContextFrom(t *testing.T) {
	assert.Nil(t, RequestContextFrom(context.Background()))

	rc := &RequestContext{SubjectID: "user-1"}
	ctx := WithRequestContext(context.Background(), rc)
	assert.Same(t, rc, RequestContextFrom(ctx))
}
