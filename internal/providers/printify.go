package providers

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/osvaldoandrade/podflow/pkg/config"
	"github.com/osvaldoandrade/podflow/pkg/domain"
)

// Publisher turns a stored artifact into a storefront product.
type Publisher interface {
	Publish(ctx context.Context, p domain.Product) (domain.PublishResult, error)
}

type printifyPublisher struct {
	cfg    config.PublisherConfig
	client *http.Client
}

func NewPrintifyPublisher(cfg config.PublisherConfig) Publisher {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &printifyPublisher{
		cfg:    cfg,
		client: &http.Client{Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second},
	}
}

// Publish uploads the image, creates the product and publishes it. When
// only the publish step fails the product id is returned together with
// an error wrapping domain.ErrNoSalesChannel.
func (p *printifyPublisher) Publish(ctx context.Context, prod domain.Product) (domain.PublishResult, error) {
	imageID, err := p.uploadImage(ctx, prod.ImagePath)
	if err != nil {
		return domain.PublishResult{}, fmt.Errorf("upload image: %w", err)
	}
	productID, err := p.createProduct(ctx, imageID, prod)
	if err != nil {
		return domain.PublishResult{ImageID: imageID}, fmt.Errorf("create product: %w", err)
	}
	res := domain.PublishResult{ProductID: productID, ImageID: imageID}

	body := map[string]bool{"title": true, "description": true, "images": true, "variants": true, "tags": true}
	path := fmt.Sprintf("/shops/%s/products/%s/publish.json", p.cfg.ShopID, productID)
	if err := p.post(ctx, path, body, nil); err != nil {
		return res, fmt.Errorf("%w: %v", domain.ErrNoSalesChannel, err)
	}
	res.Published = true
	return res, nil
}

func (p *printifyPublisher) uploadImage(ctx context.Context, ref string) (string, error) {
	name := filepath.Base(strings.TrimPrefix(ref, "file://"))
	in := map[string]string{"file_name": name}
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		in["url"] = ref
	} else {
		data, err := os.ReadFile(strings.TrimPrefix(ref, "file://"))
		if err != nil {
			return "", err
		}
		in["contents"] = base64.StdEncoding.EncodeToString(data)
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := p.post(ctx, "/uploads/images.json", in, &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", errors.New("upload reply has no id")
	}
	return out.ID, nil
}

func (p *printifyPublisher) createProduct(ctx context.Context, imageID string, prod domain.Product) (string, error) {
	variants := make([]map[string]any, 0, len(p.cfg.VariantIDs))
	for _, id := range p.cfg.VariantIDs {
		variants = append(variants, map[string]any{"id": id, "price": p.cfg.PriceCents, "is_enabled": true})
	}
	in := map[string]any{
		"title":             prod.Title,
		"description":       prod.Description,
		"blueprint_id":      p.cfg.BlueprintID,
		"print_provider_id": p.cfg.PrintProviderID,
		"variants":          variants,
		"print_areas": []map[string]any{{
			"variant_ids": p.cfg.VariantIDs,
			"placeholders": []map[string]any{{
				"position": "front",
				"images":   []map[string]any{{"id": imageID, "x": 0.5, "y": 0.5, "scale": 1, "angle": 0}},
			}},
		}},
	}
	if len(prod.Tags) > 0 {
		in["tags"] = prod.Tags
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := p.post(ctx, fmt.Sprintf("/shops/%s/products.json", p.cfg.ShopID), in, &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", errors.New("create reply has no id")
	}
	return out.ID, nil
}

func (p *printifyPublisher) post(ctx context.Context, path string, in any, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+p.cfg.APIToken)
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("http %d: %s", resp.StatusCode, trimBody(raw))
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(raw, out)
}
