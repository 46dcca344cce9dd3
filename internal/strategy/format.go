package strategy

import (
	"github.com/valet-ai/valet/internal/citation"
	"github.com/valet-ai/valet/internal/domain"
)

// ResponseFormatter renders a provider answer for one front-end platform.
type ResponseFormatter func(response string, citations []string) string

// FormatterFor selects the formatter for the originating platform: chat
// clients render citations as markdown links, voice targets cannot render
// links at all, everything else passes through.
func FormatterFor(source domain.Source) ResponseFormatter {
	switch source {
	case domain.SourceChat:
		return citation.Embed
	case domain.SourceVoice:
		return func(response string, _ []string) string {
			return citation.Strip(response)
		}
	default:
		return func(response string, _ []string) string {
			return response
		}
	}
}
