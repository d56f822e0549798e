package ingest

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"

	"bitbucket.org/harborlightlabs/billsync_backend/config"
	"bitbucket.org/harborlightlabs/billsync_backend/events"
)

const (
	SignatureHeaderLeadRail  = "X-Leadrail-Signature"
	SignatureHeaderMatterPay = "X-Matterpay-Signature"
)

var (
	errMissingSignature = errors.New("missing signature header")
	errBadSignature     = errors.New("signature mismatch")
)

func signatureHeader(source events.Source) string {
	if source == events.SourceMatterPay {
		return SignatureHeaderMatterPay
	}
	return SignatureHeaderLeadRail
}

func secretEnv(source events.Source) string {
	if source == events.SourceMatterPay {
		return "MATTERPAY_WEBHOOK_SECRET"
	}
	return "LEADRAIL_WEBHOOK_SECRET"
}

// VerifySignature checks the hex-encoded HMAC-SHA256 of the raw body against
// the source's shared secret. Both providers send the digest bare or with a
// "sha256=" prefix. A source without a configured secret is rejected unless
// WEBHOOK_SIGNATURE_OPTIONAL is set, which skips the check with a warning.
func VerifySignature(source events.Source, header string, body []byte) error {
	secret := strings.TrimSpace(os.Getenv(secretEnv(source)))
	if secret == "" {
		if config.WebhookSignatureOptional() {
			config.GetLogger().WithFields(logrus.Fields{
				"module": moduleName,
				"source": string(source),
			}).Warn("webhook signature not verified: no secret configured")
			return nil
		}
		return fmt.Errorf("no webhook secret configured for %s", source)
	}

	header = strings.TrimSpace(header)
	if header == "" {
		return errMissingSignature
	}
	header = strings.TrimPrefix(header, "sha256=")

	got, err := hex.DecodeString(header)
	if err != nil {
		return errBadSignature
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return errBadSignature
	}
	return nil
}
