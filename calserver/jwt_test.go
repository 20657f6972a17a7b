// Copyright 2025 Piyush Poshiya
// SPDX-License-Identifier: Apache-2.0

package calserver

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestJWTRoundTrip(t *testing.T) {
	auth := NewJWTAuth("test-secret")

	token, err := auth.GenerateToken("user-1", "device-a", time.Hour)
	require.NoError(t, err)

	claims, err := auth.ValidateToken(token)
	require.NoError(t, err)
	require.Equal(t, "user-1", claims.Subject)
	require.Equal(t, "device-a", claims.DeviceID)

	r := httptest.NewRequest("GET", "/v1/profile", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	userID, err := auth.GetUserID(r)
	require.NoError(t, err)
	require.Equal(t, "user-1", userID)
	deviceID, err := auth.GetDeviceID(r)
	require.NoError(t, err)
	require.Equal(t, "device-a", deviceID)
}

func TestJWTRejectsBadTokens(t *testing.T) {
	auth := NewJWTAuth("test-secret")
	other := NewJWTAuth("other-secret")

	token, err := other.GenerateToken("user-1", "device-a", time.Hour)
	require.NoError(t, err)
	_, err = auth.ValidateToken(token)
	require.Error(t, err)

	expired, err := auth.GenerateToken("user-1", "device-a", -time.Minute)
	require.NoError(t, err)
	_, err = auth.ValidateToken(expired)
	require.Error(t, err)

	r := httptest.NewRequest("GET", "/v1/profile", nil)
	_, err = auth.GetUserID(r)
	require.Error(t, err)

	r.Header.Set("Authorization", "Basic abc")
	_, err = auth.GetUserID(r)
	require.Error(t, err)
}
