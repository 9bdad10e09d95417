package hugot

import (
	"context"
	"fmt"
	"strings"

	"github.com/knights-analytics/hugot"
	"github.com/knights-analytics/hugot/pipelines"

	"github.com/pressgraph/backend/pkg/common"
	"github.com/pressgraph/backend/pkg/ner"
)

// Extractor runs token-classification NER locally through hugot.
type Extractor struct {
	session  *hugot.Session
	pipeline *pipelines.TokenClassificationPipeline
	modelID  string
}

// ExtractorParams contains configuration for creating an Extractor.
type ExtractorParams struct {
	// ModelPath points at an exported ONNX token-classification model.
	ModelPath string
	// ModelID identifies the model in persisted usage statistics.
	ModelID string
}

func NewExtractor(params ExtractorParams) (*Extractor, error) {
	session, err := hugot.NewGoSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create hugot session: %w", err)
	}

	config := hugot.TokenClassificationConfig{
		ModelPath: params.ModelPath,
		Name:      "ner-pipeline",
		Options: []hugot.TokenClassificationOption{
			pipelines.WithSimpleAggregation(),
			pipelines.WithIgnoreLabels([]string{"O"}),
		},
	}
	pipeline, err := hugot.NewPipeline(session, config)
	if err != nil {
		if destroyErr := session.Destroy(); destroyErr != nil {
			return nil, fmt.Errorf("failed to create NER pipeline: %w (cleanup error: %v)", err, destroyErr)
		}
		return nil, fmt.Errorf("failed to create NER pipeline: %w", err)
	}

	return &Extractor{
		session:  session,
		pipeline: pipeline,
		modelID:  params.ModelID,
	}, nil
}

// ModelID reports the identifier recorded in usage statistics for
// mentions produced by this extractor.
func (e *Extractor) ModelID() string {
	return e.modelID
}

func (e *Extractor) Extract(ctx context.Context, text string) ([]ner.Mention, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}

	result, err := e.pipeline.RunPipeline([]string{text})
	if err != nil {
		return nil, fmt.Errorf("failed to run NER: %w", err)
	}
	if len(result.Entities) == 0 {
		return nil, nil
	}

	mentions := make([]ner.Mention, 0, len(result.Entities[0]))
	for _, entity := range result.Entities[0] {
		surface := strings.TrimSpace(entity.Word)
		if surface == "" {
			continue
		}
		mentions = append(mentions, ner.Mention{
			Surface: surface,
			Type:    normalizeLabel(entity.Entity),
		})
	}
	return mentions, nil
}

// Close releases the underlying inference session.
func (e *Extractor) Close() error {
	return e.session.Destroy()
}

// normalizeLabel strips BIO prefixes and maps model labels onto the
// fixed type set the rest of the system uses.
func normalizeLabel(label string) string {
	label = strings.TrimPrefix(label, "B-")
	label = strings.TrimPrefix(label, "I-")

	switch strings.ToUpper(label) {
	case "PER", "PERSON":
		return common.TypePerson
	case "LOC", "LOCATION", "GPE":
		return common.TypeLocation
	case "ORG", "ORGANIZATION":
		return common.TypeOrganization
	default:
		return common.TypeMisc
	}
}
