package analyzer

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
)

type RestClient struct {
	client *resty.Client

	apiKey         string
	apiKeyLocation string
	apiKeyName     string
}

type RestOptions struct {
	Host           string
	Port           int
	APIKey         string
	APIKeyLocation string
	APIKeyName     string
}

func NewRestClient(opts RestOptions) *RestClient {
	return &RestClient{
		client:         resty.New().SetBaseURL(fmt.Sprintf("http://%s:%d", opts.Host, opts.Port)),
		apiKey:         opts.APIKey,
		apiKeyLocation: opts.APIKeyLocation,
		apiKeyName:     opts.APIKeyName,
	}
}

func (c *RestClient) applyAPIKey(req *resty.Request) {
	if c.apiKey == "" {
		return
	}
	if c.apiKeyLocation == APIKeyInHeader {
		req.SetHeader(c.apiKeyName, c.apiKey)
	} else {
		req.SetQueryParam(c.apiKeyName, c.apiKey)
	}
}

func (c *RestClient) Ping(ctx context.Context) bool {
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req := c.client.R().SetContext(pingCtx)
	c.applyAPIKey(req)
	res, err := req.Get("/ping")
	return err == nil && res.StatusCode() == 200
}

func (c *RestClient) Stop(ctx context.Context) {
	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req := c.client.R().SetContext(stopCtx)
	c.applyAPIKey(req)
	// Stop is best-effort, failures are ignored.
	req.Get("/stop")
}

func (c *RestClient) Analyze(ctx context.Context, analyzeReq Request) (Response, error) {
	payload := analyzeReq.ImageBytes
	if payload == nil {
		var err error
		payload, err = os.ReadFile(analyzeReq.ImagePath)
		if err != nil {
			return Response{}, fmt.Errorf("reading image %s: %w", analyzeReq.ImagePath, err)
		}
	}

	callCtx := ctx
	if analyzeReq.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, analyzeReq.Timeout)
		defer cancel()
	}

	req := c.client.R().
		SetContext(callCtx).
		SetHeader("Content-Type", "application/octet-stream").
		SetQueryParam("response_type", analyzeReq.ResponseType).
		SetQueryParam("data", analyzeReq.Data).
		SetQueryParam("context_in_body", strconv.FormatBool(analyzeReq.ContextInBody)).
		SetBody(payload)
	c.applyAPIKey(req)

	res, err := req.Post("/analyze_image")
	if err != nil {
		return Response{}, &TransientError{Err: err}
	}
	if res.StatusCode() >= 500 || res.StatusCode() == 0 {
		return Response{}, Transientf("analyzer returned status %d: %s", res.StatusCode(), res.String())
	}
	if !res.IsSuccess() {
		return Response{}, fmt.Errorf("analyzer returned status %d: %s", res.StatusCode(), res.String())
	}

	return parseAnalyzeResponse(res, analyzeReq.ContextInBody), nil
}

// parseAnalyzeResponse recovers the context either from the body (after
// ImageLen image bytes) or from the base64 ContextBase64utf header. Missing
// or malformed context yields a nil map, not an error; the verdict layer
// treats that as an evaluation failure.
func parseAnalyzeResponse(res *resty.Response, contextInBody bool) Response {
	body := res.Body()

	if contextInBody {
		imageLen, _ := strconv.Atoi(res.Header().Get("ImageLen"))
		contextBytes := body
		var imageBytes []byte
		if imageLen > 0 && imageLen <= len(body) {
			imageBytes = body[:imageLen]
			contextBytes = body[imageLen:]
		}
		return Response{Context: decodeContext(contextBytes), ImageBytes: imageBytes}
	}

	response := Response{}
	if header := res.Header().Get("ContextBase64utf"); header != "" {
		if decoded, err := base64.StdEncoding.DecodeString(header); err == nil {
			response.Context = decodeContext(decoded)
		}
	}
	if len(body) > 0 {
		response.ImageBytes = body
	}
	return response
}

func decodeContext(raw []byte) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var context map[string]any
	if err := json.Unmarshal(raw, &context); err != nil {
		return nil
	}
	return context
}
