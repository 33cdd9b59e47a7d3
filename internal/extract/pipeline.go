package extract

import (
	"go.uber.org/zap"
)

// Pipeline runs extraction strategies in order and accepts the first
// result that clears the confidence threshold.
type Pipeline struct {
	extractors []Extractor
	threshold  float64
	logger     *zap.Logger
}

// PipelineOption customizes pipeline construction.
type PipelineOption func(*Pipeline)

// WithThreshold overrides the acceptance confidence threshold.
func WithThreshold(threshold float64) PipelineOption {
	return func(p *Pipeline) { p.threshold = threshold }
}

// WithExtractors replaces the default strategy chain.
func WithExtractors(extractors ...Extractor) PipelineOption {
	return func(p *Pipeline) { p.extractors = extractors }
}

// WithRules appends a rule extractor for portals with configured
// selectors.
func WithRules(rules *RuleExtractor) PipelineOption {
	return func(p *Pipeline) {
		if rules != nil && len(rules.Fields) > 0 {
			p.extractors = append(p.extractors, rules)
		}
	}
}

// NewPipeline builds the default structured, table, card chain.
func NewPipeline(opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		extractors: []Extractor{
			&StructuredExtractor{},
			&TableExtractor{},
			&CardExtractor{},
		},
		threshold: MinConfidenceThreshold,
		logger:    zap.L(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Extract tries each strategy in order. Warnings and errors from failed
// attempts are carried onto the accepted result for diagnostics.
func (p *Pipeline) Extract(content, sourceURL string) *Result {
	var warnings, errors []string

	for _, extractor := range p.extractors {
		attempt := extractor.Extract(content, sourceURL)
		if attempt.OK() && attempt.Confidence >= p.threshold {
			attempt.Warnings = append(warnings, attempt.Warnings...)
			attempt.Errors = append(errors, attempt.Errors...)
			p.logger.Debug("extraction succeeded",
				zap.String("method", attempt.Method),
				zap.Float64("confidence", attempt.Confidence),
				zap.Int("records", len(attempt.Records)))
			return attempt
		}

		warnings = append(warnings, attempt.Warnings...)
		errors = append(errors, attempt.Errors...)
		p.logger.Debug("extraction attempt rejected",
			zap.String("method", extractor.Name()),
			zap.Float64("confidence", attempt.Confidence),
			zap.Int("records", len(attempt.Records)))
	}

	failed := &Result{
		Method:   "pipeline_failed",
		Warnings: warnings,
	}
	failed.Errors = append([]string{"all extraction strategies failed"}, errors...)
	return failed
}
