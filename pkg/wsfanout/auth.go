// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package wsfanout

import (
	"github.com/golang-jwt/jwt/v5"

	"github.com/skyfleet/mission-control/pkg/errors"
)

// Claims are the token fields the fan-out cares about. Tokens are minted by
// the external auth service; we only verify them.
type Claims struct {
	OrgID   string
	Subject string
}

// TokenVerifier checks a bearer token and extracts its claims.
type TokenVerifier interface {
	Verify(token string) (*Claims, error)
}

// JWTVerifier verifies HS256 tokens against a shared secret.
type JWTVerifier struct {
	secret []byte
}

// NewJWTVerifier returns a verifier for the given shared secret.
func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret)}
}

// Verify parses and validates the token and requires an org_id claim.
func (v *JWTVerifier) Verify(raw string) (*Claims, error) {
	tok, err := jwt.Parse(raw, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return nil, errors.Wrap(errors.KindValidation, err, "invalid token")
	}
	mapClaims, ok := tok.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.New(errors.KindValidation, "unexpected token claims")
	}
	orgID, _ := mapClaims["org_id"].(string)
	if orgID == "" {
		return nil, errors.New(errors.KindValidation, "token missing org_id claim")
	}
	sub, _ := mapClaims["sub"].(string)
	return &Claims{OrgID: orgID, Subject: sub}, nil
}
