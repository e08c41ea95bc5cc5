package services

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ekaya-inc/ekaya-reports/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-reports/pkg/llm"
	"github.com/ekaya-inc/ekaya-reports/pkg/models"
	"github.com/ekaya-inc/ekaya-reports/pkg/prompts"
)

// ReportSynthesizer turns fetched rows into report content.
type ReportSynthesizer interface {
	// Generate builds the artifact for template over the fetched window.
	// Failures wrap apperrors.ErrSynthesis.
	Generate(ctx context.Context, rows []models.DataRow, template *models.ReportTemplate,
		chart models.ChartOptions, output models.OutputOptions, window models.ReportWindow) (*models.ReportArtifact, error)
}

// SynthesisConfig tunes LLM-backed synthesis.
type SynthesisConfig struct {
	Temperature       float64
	MaxTokens         int
	Timeout           time.Duration
	RequestsPerMinute int
}

type reportSynthesizer struct {
	client  llm.LLMClient
	cfg     SynthesisConfig
	limiter *rate.Limiter
	logger  *zap.Logger
	now     func() time.Time
}

// NewReportSynthesizer creates a synthesizer. CSV templates never touch the
// LLM client; pdf templates require it.
func NewReportSynthesizer(client llm.LLMClient, cfg SynthesisConfig, logger *zap.Logger) ReportSynthesizer {
	limit := rate.Inf
	if cfg.RequestsPerMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(cfg.RequestsPerMinute))
	}
	return &reportSynthesizer{
		client:  client,
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, 1),
		logger:  logger.Named("synthesis"),
		now:     time.Now,
	}
}

var _ ReportSynthesizer = (*reportSynthesizer)(nil)

func (s *reportSynthesizer) Generate(
	ctx context.Context,
	rows []models.DataRow,
	template *models.ReportTemplate,
	chart models.ChartOptions,
	output models.OutputOptions,
	window models.ReportWindow,
) (*models.ReportArtifact, error) {
	if template == nil {
		return nil, fmt.Errorf("%w: no report template", apperrors.ErrSynthesis)
	}

	switch template.Format {
	case models.ReportFormatCSV:
		return s.renderCSV(rows, template)
	case models.ReportFormatPDF, "":
		return s.renderWithLLM(ctx, rows, template, chart, output, window)
	default:
		return nil, fmt.Errorf("%w: unsupported report format %q", apperrors.ErrSynthesis, template.Format)
	}
}

func (s *reportSynthesizer) renderCSV(rows []models.DataRow, template *models.ReportTemplate) (*models.ReportArtifact, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	if err := w.Write([]string{"id", "timestamp", "entity", "parameter", "value", "unit"}); err != nil {
		return nil, fmt.Errorf("%w: %w", apperrors.ErrSynthesis, err)
	}
	for _, r := range rows {
		record := []string{
			r.ID,
			r.Timestamp.UTC().Format(time.RFC3339),
			r.Entity,
			r.Parameter,
			prompts.FormatValue(r.Value),
			r.Unit,
		}
		if err := w.Write(record); err != nil {
			return nil, fmt.Errorf("%w: %w", apperrors.ErrSynthesis, err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("%w: %w", apperrors.ErrSynthesis, err)
	}

	return &models.ReportArtifact{
		Content:  buf.String(),
		FileName: s.fileName(template),
		Format:   models.ReportFormatCSV,
	}, nil
}

func (s *reportSynthesizer) renderWithLLM(
	ctx context.Context,
	rows []models.DataRow,
	template *models.ReportTemplate,
	chart models.ChartOptions,
	output models.OutputOptions,
	window models.ReportWindow,
) (*models.ReportArtifact, error) {
	if s.client == nil {
		return nil, fmt.Errorf("%w: no language model configured", apperrors.ErrSynthesis)
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: waiting for rate limiter: %w", apperrors.ErrSynthesis, err)
	}

	if s.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
	}

	resp, err := s.client.Generate(ctx, llm.Request{
		System: prompts.BuildReportSystemMessage(output.Language),
		Prompt: prompts.BuildReportPrompt(prompts.ReportContext{
			Template: *template,
			Chart:    chart,
			Output:   output,
			From:     window.From,
			To:       window.To,
			RowLimit: window.RowLimit,
			Rows:     rows,
		}),
		Temperature: s.cfg.Temperature,
		MaxTokens:   s.cfg.MaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", apperrors.ErrSynthesis, err)
	}

	content := stripCodeFence(resp.Content)
	if strings.TrimSpace(content) == "" {
		return nil, fmt.Errorf("%w: model %s returned an empty report", apperrors.ErrSynthesis, s.client.GetModel())
	}

	s.logger.Info("Synthesized report",
		zap.String("template", template.Name),
		zap.Int("rows", len(rows)),
		zap.Bool("truncated", window.Truncated()),
		zap.Int("prompt_tokens", resp.PromptTokens),
		zap.Int("completion_tokens", resp.CompletionTokens))

	return &models.ReportArtifact{
		Content:  content,
		FileName: s.fileName(template),
		Format:   models.ReportFormatPDF,
	}, nil
}

func (s *reportSynthesizer) fileName(template *models.ReportTemplate) string {
	return fmt.Sprintf("%s-%s.%s", slugify(template.Name), s.now().UTC().Format("2006-01-02"), template.Format.Extension())
}

// stripCodeFence removes a single fence wrapping the whole answer.
func stripCodeFence(s string) string {
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "```") || !strings.HasSuffix(trimmed, "```") || len(trimmed) < 6 {
		return s
	}
	inner := strings.TrimSuffix(trimmed, "```")
	if nl := strings.IndexByte(inner, '\n'); nl >= 0 {
		inner = inner[nl+1:]
	} else {
		return s
	}
	return strings.TrimSpace(inner)
}

func slugify(name string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			dash = false
		case !dash && b.Len() > 0:
			b.WriteByte('-')
			dash = true
		}
	}
	slug := strings.TrimSuffix(b.String(), "-")
	if slug == "" {
		return "report"
	}
	return slug
}

// DecodeTemplateOptions reads chart and output options from a template's
// free-form options, starting from the defaults. Options live under the
// "chart" and "output" keys; values are weakly typed so "true" and 1 both
// decode into booleans.
func DecodeTemplateOptions(template *models.ReportTemplate) (models.ChartOptions, models.OutputOptions, error) {
	chart := models.DefaultChartOptions()
	output := models.DefaultOutputOptions()
	if template == nil || len(template.Options) == 0 {
		return chart, output, nil
	}

	decode := func(key string, target any) error {
		raw, ok := template.Options[key]
		if !ok || raw == nil {
			return nil
		}
		decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
			WeaklyTypedInput: true,
			Result:           target,
		})
		if err != nil {
			return err
		}
		if err := decoder.Decode(raw); err != nil {
			return fmt.Errorf("%w: template option %q: %w", apperrors.ErrConfiguration, key, err)
		}
		return nil
	}

	if err := decode("chart", &chart); err != nil {
		return chart, output, err
	}
	if err := decode("output", &output); err != nil {
		return chart, output, err
	}
	return chart, output, nil
}
