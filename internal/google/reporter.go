package google

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/thankful-ai/ensproxy/internal/ensproxy"
)

var _ ensproxy.Reporter = &Reporter{}

// Reporter sends failed resolutions to Cloud Error Reporting.
type Reporter struct {
	log     *slog.Logger
	client  *http.Client
	service string
	version string
	url     string
}

type ReporterOpts struct {
	Log *slog.Logger

	// Client must add credentials to requests. nil means the application
	// default credentials.
	Client  *http.Client
	Service string
	Version string
	Project string

	// Endpoint overrides the Error Reporting API, e.g. in tests.
	Endpoint string
}

func NewReporter(ctx context.Context, opts ReporterOpts) (*Reporter, error) {
	endpoint := opts.Endpoint
	if endpoint == "" {
		endpoint = "https://clouderrorreporting.googleapis.com"
	}
	client := opts.Client
	if client == nil {
		var err error
		client, err = httpClient(ctx,
			"https://www.googleapis.com/auth/cloud-platform")
		if err != nil {
			return nil, fmt.Errorf("http client: %w", err)
		}
	}
	return &Reporter{
		log:     opts.Log.With(slog.String("task", "googleReporter")),
		client:  client,
		service: opts.Service,
		version: opts.Version,
		url: fmt.Sprintf("%s/v1beta1/projects/%s/events:report",
			endpoint, opts.Project),
	}, nil
}

func (r *Reporter) Report(ctx context.Context, origErr error) {
	type serviceContext struct {
		Service string `json:"service"`
		Version string `json:"version"`
	}
	data := struct {
		ServiceContext serviceContext `json:"serviceContext"`
		Message        string         `json:"message"`
	}{
		ServiceContext: serviceContext{
			Service: r.service,
			Version: r.version,
		},
		Message: origErr.Error(),
	}
	logErr := func(origErr, reportErr error) {
		r.log.Error("failed to report error",
			slog.String("originalError", origErr.Error()),
			slog.String("error", reportErr.Error()))
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	byt, err := json.Marshal(data)
	if err != nil {
		logErr(origErr, fmt.Errorf("marshal: %w", err))
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url,
		bytes.NewReader(byt))
	if err != nil {
		logErr(origErr, fmt.Errorf("new request: %w", err))
		return
	}
	req.Header.Set("Content-Type", "application/json")

	rsp, err := r.client.Do(req)
	if err != nil {
		logErr(origErr, fmt.Errorf("do: %w", err))
		return
	}
	defer func() { _ = rsp.Body.Close() }()

	if rsp.StatusCode != http.StatusOK &&
		rsp.StatusCode != http.StatusCreated {

		logErr(origErr, fmt.Errorf("unexpected status code: %d",
			rsp.StatusCode))
		byt, _ := io.ReadAll(io.LimitReader(rsp.Body, 4096))
		r.log.Error(string(byt))
		return
	}
}
