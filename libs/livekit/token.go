package livekit

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

// VideoGrant mirrors the "video" claim LiveKit reads from an access token.
type VideoGrant struct {
	Room           string `json:"room"`
	RoomJoin       bool   `json:"roomJoin"`
	CanPublish     bool   `json:"canPublish"`
	CanSubscribe   bool   `json:"canSubscribe"`
	CanPublishData bool   `json:"canPublishData"`
}

// GenerateAccessToken creates a LiveKit-compatible access token using HMAC-SHA256.
// apiKey is the issuer, identity the subject, and the grant lets the holder
// join room, publish audio and data, and subscribe to others.
func GenerateAccessToken(apiKey, apiSecret, room, identity string, ttl time.Duration) (string, error) {
	if apiKey == "" || apiSecret == "" {
		return "", fmt.Errorf("livekit api key/secret required")
	}
	if room == "" || identity == "" {
		return "", fmt.Errorf("livekit room and identity required")
	}
	if ttl <= 0 {
		ttl = time.Hour
	}

	now := time.Now()

	// random jti
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate jti: %w", err)
	}
	jti := hex.EncodeToString(b)

	claims := jwt.MapClaims{
		"jti":  jti,
		"iss":  apiKey,
		"nbf":  now.Unix(),
		"exp":  now.Add(ttl).Unix(),
		"sub":  identity,
		"name": identity,
		"video": VideoGrant{
			Room:           room,
			RoomJoin:       true,
			CanPublish:     true,
			CanSubscribe:   true,
			CanPublishData: true,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(apiSecret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}
