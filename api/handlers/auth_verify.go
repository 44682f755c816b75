package handlers

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mr-tron/base58"

	"github.com/doomscroll/backend/api/metrics"
)

// Wallet authentication headers. The client signs a message containing its
// wallet and the timestamp, and sends the message base64 encoded so that
// newlines survive header transport.
const (
	HeaderWallet    = "wallet"
	HeaderSignature = "signature"
	HeaderMessage   = "message"
	HeaderTimestamp = "timestamp"
)

type walletKey struct{}

// WalletFromContext returns the authenticated wallet set by WalletAuth.
func WalletFromContext(ctx context.Context) (string, bool) {
	w, ok := ctx.Value(walletKey{}).(string)
	return w, ok
}

// BuildAuthMessage is the message a wallet signs to authenticate a request.
func BuildAuthMessage(wallet string, timestampMillis int64) string {
	return fmt.Sprintf("Sign this message to authenticate with Doomscroll.\n\nWallet: %s\nTimestamp: %d", wallet, timestampMillis)
}

var (
	errAuthMissing   = errors.New("missing authentication headers")
	errAuthEncoding  = errors.New("invalid message encoding")
	errAuthTimestamp = errors.New("timestamp expired or invalid")
	errAuthMessage   = errors.New("signed message does not match wallet and timestamp")
	errAuthSignature = errors.New("invalid signature")
)

// authenticate checks the wallet headers against now and returns the wallet.
func authenticate(h http.Header, now time.Time, skew time.Duration) (string, string, error) {
	wallet := h.Get(HeaderWallet)
	signature := h.Get(HeaderSignature)
	messageB64 := h.Get(HeaderMessage)
	ts := h.Get(HeaderTimestamp)
	if wallet == "" || signature == "" || messageB64 == "" || ts == "" {
		return "", "missing", errAuthMissing
	}

	message, err := base64.StdEncoding.DecodeString(messageB64)
	if err != nil {
		return "", "encoding", errAuthEncoding
	}

	if reason, err := verifySignedMessage(wallet, signature, string(message), ts, now, skew); err != nil {
		return "", reason, err
	}
	return wallet, "", nil
}

// verifySignedMessage checks that msg names wallet and ts, that ts is within
// skew of now and that signature is wallet's signature over msg. It returns
// the failure reason label with the error.
func verifySignedMessage(wallet, signature, msg, ts string, now time.Time, skew time.Duration) (string, error) {
	millis, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return "timestamp", errAuthTimestamp
	}
	delta := now.Sub(time.UnixMilli(millis))
	if delta < 0 {
		delta = -delta
	}
	if delta >= skew {
		return "timestamp", errAuthTimestamp
	}

	// The timestamp is only trusted when it is part of what was signed.
	if !strings.Contains(msg, "Wallet: "+wallet) || !strings.Contains(msg, "Timestamp: "+ts) {
		return "message", errAuthMessage
	}

	valid, err := verifyEd25519Signature(wallet, msg, signature)
	if err != nil || !valid {
		return "signature", errAuthSignature
	}
	return "", nil
}

// WalletAuth requires a valid wallet signature and stores the wallet in the
// request context. Failures are 401.
func (a *API) WalletAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wallet, reason, err := authenticate(r.Header, a.cfg.Clock.Now(), a.cfg.AuthSkew)
		if err != nil {
			metrics.RecordAuthFailure("wallet", reason)
			a.log.Debug("api: wallet authentication failed", "reason", reason, "ip", GetIPFromRequest(r))
			writeError(w, http.StatusUnauthorized, "unauthorized", err.Error())
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), walletKey{}, wallet)))
	})
}

// verifyEd25519Signature verifies an Ed25519 signature (used for Solana wallet auth)
func verifyEd25519Signature(publicKeyBase58, message, signatureBase64 string) (bool, error) {
	publicKeyBytes, err := base58.Decode(publicKeyBase58)
	if err != nil {
		return false, fmt.Errorf("failed to decode public key: %w", err)
	}

	if len(publicKeyBytes) != ed25519.PublicKeySize {
		return false, fmt.Errorf("invalid public key size: expected %d, got %d", ed25519.PublicKeySize, len(publicKeyBytes))
	}

	signatureBytes, err := base64.StdEncoding.DecodeString(signatureBase64)
	if err != nil {
		// Try URL-safe base64
		signatureBytes, err = base64.URLEncoding.DecodeString(signatureBase64)
		if err != nil {
			// Try raw base64 (without padding)
			signatureBytes, err = base64.RawStdEncoding.DecodeString(signatureBase64)
			if err != nil {
				return false, fmt.Errorf("failed to decode signature: %w", err)
			}
		}
	}

	if len(signatureBytes) != ed25519.SignatureSize {
		return false, fmt.Errorf("invalid signature size: expected %d, got %d", ed25519.SignatureSize, len(signatureBytes))
	}

	return ed25519.Verify(ed25519.PublicKey(publicKeyBytes), []byte(message), signatureBytes), nil
}
