package jupyter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Image is a lab image known to the lab controller.
type Image struct {
	Reference string `json:"reference"`
	Name      string `json:"name"`
	Digest    string `json:"digest,omitempty"`
	Tag       string `json:"tag"`
	Prepulled bool   `json:"prepulled,omitempty"`
}

type controllerImages struct {
	Recommended  *Image  `json:"recommended"`
	LatestWeekly *Image  `json:"latest-weekly"`
	All          []Image `json:"all"`
}

// ImagesClient queries the lab controller's image catalog.
type ImagesClient struct {
	baseURL    string
	prefix     string
	token      string
	httpClient *http.Client
}

// NewImagesClient builds an image catalog client. token is the service
// admin token, not a per-identity credential.
func NewImagesClient(baseURL, prefix, token string, timeout time.Duration) *ImagesClient {
	return &ImagesClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		prefix:     "/" + strings.Trim(prefix, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *ImagesClient) getImages(ctx context.Context) (*controllerImages, error) {
	url := c.baseURL + c.prefix + "/spawner/v1/images"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create images request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("images request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("cannot get image catalog: status %d", resp.StatusCode)
	}

	var images controllerImages
	if err := json.NewDecoder(resp.Body).Decode(&images); err != nil {
		return nil, fmt.Errorf("invalid image catalog response: %w", err)
	}
	return &images, nil
}

// GetRecommended returns the currently recommended image.
func (c *ImagesClient) GetRecommended(ctx context.Context) (Image, error) {
	images, err := c.getImages(ctx)
	if err != nil {
		return Image{}, err
	}
	if images.Recommended == nil {
		return Image{}, fmt.Errorf("no recommended image in catalog")
	}
	return *images.Recommended, nil
}

// GetLatestWeekly returns the latest weekly image.
func (c *ImagesClient) GetLatestWeekly(ctx context.Context) (Image, error) {
	images, err := c.getImages(ctx)
	if err != nil {
		return Image{}, err
	}
	if images.LatestWeekly == nil {
		return Image{}, fmt.Errorf("no weekly image in catalog")
	}
	return *images.LatestWeekly, nil
}

// GetByReference returns the catalog image with the given Docker reference.
func (c *ImagesClient) GetByReference(ctx context.Context, reference string) (Image, error) {
	images, err := c.getImages(ctx)
	if err != nil {
		return Image{}, err
	}
	for _, image := range images.All {
		if image.Reference == reference {
			return image, nil
		}
	}
	return Image{}, fmt.Errorf("no image with reference %s in catalog", reference)
}
