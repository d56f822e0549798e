package utils

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// getGoogleClient initializes a Google Cloud Storage client.
// Prefers ADC (Cloud Run service account / GOOGLE_APPLICATION_CREDENTIALS);
// explicit JSON can be provided locally via GCS_CREDENTIALS_JSON.
func getGoogleClient(ctx context.Context) (*storage.Client, error) {
	if credJSON := os.Getenv("GCS_CREDENTIALS_JSON"); strings.TrimSpace(credJSON) != "" {
		client, err := storage.NewClient(ctx, option.WithCredentialsJSON([]byte(credJSON)))
		if err != nil {
			return nil, err
		}
		return client, nil
	}

	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// ArchiveWebhookPayload writes one raw webhook body to the archive bucket as
// webhooks/<source>/<yyyy-mm-dd>/<eventId>.json. The DB audit row already has
// the payload; the bucket copy is the long-retention copy and is best-effort
// (callers log and move on).
func ArchiveWebhookPayload(ctx context.Context, bucketName string, source string, eventId uint, payload []byte) error {
	if bucketName == "" {
		return nil
	}

	client, err := getGoogleClient(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	objectName := fmt.Sprintf("webhooks/%s/%s/%d.json", source, time.Now().UTC().Format("2006-01-02"), eventId)

	wc := client.Bucket(bucketName).Object(objectName).NewWriter(ctx)
	wc.ContentType = "application/json"

	if _, err := wc.Write(payload); err != nil {
		return fmt.Errorf("failed to archive payload to Google Cloud Storage: %v", err)
	}
	if err := wc.Close(); err != nil {
		return fmt.Errorf("failed to close writer: %v", err)
	}
	return nil
}
