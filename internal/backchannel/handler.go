package backchannel

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"
)

// JWKSHandler serves the logout token verification key at /.well-known/jwks.json
func (km *KeyManager) JWKSHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		log.Debug().Str("kid", km.kid).Msg("JWKS request")

		jwks := JWKS{Keys: []JWK{km.JWK()}}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "public, max-age=3600") // Cache for 1 hour
		if err := json.NewEncoder(w).Encode(jwks); err != nil {
			log.Error().Err(err).Msg("failed to encode JWKS response")
			http.Error(w, "internal server error", http.StatusInternalServerError)
		}
	}
}
