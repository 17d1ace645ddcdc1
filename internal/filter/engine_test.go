package filter

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"feedrelay/internal/model"
)

func TestMatches(t *testing.T) {
	tests := []struct {
		name     string
		item     model.Item
		keywords []string
		want     bool
	}{
		{
			name:     "no keywords passes everything",
			item:     model.Item{Title: "anything", Summary: "whatever"},
			keywords: nil,
			want:     true,
		},
		{
			name:     "keyword in title",
			item:     model.Item{Title: "Weather alert for tonight", Summary: "Details inside"},
			keywords: []string{"weather"},
			want:     true,
		},
		{
			name:     "keyword missing everywhere",
			item:     model.Item{Title: "Sports news", Summary: "Match results", Link: "https://example.com/sports"},
			keywords: []string{"weather"},
			want:     false,
		},
		{
			name:     "matching is case insensitive",
			item:     model.Item{Title: "WEATHER WARNING"},
			keywords: []string{"weather"},
			want:     true,
		},
		{
			name:     "uppercase keyword still matches",
			item:     model.Item{Title: "weather warning"},
			keywords: []string{"WEATHER"},
			want:     true,
		},
		{
			name:     "keyword in summary",
			item:     model.Item{Title: "Daily digest", Summary: "Storm and weather updates"},
			keywords: []string{"weather"},
			want:     true,
		},
		{
			name:     "keyword inside markup is not matched",
			item:     model.Item{Title: "Daily digest", Summary: `<a href="https://weather.example.com">click</a>`},
			keywords: []string{"weather"},
			want:     false,
		},
		{
			name:     "keyword in stripped summary text",
			item:     model.Item{Title: "Daily digest", Summary: "<p>Severe <b>weather</b> expected</p>"},
			keywords: []string{"weather"},
			want:     true,
		},
		{
			name:     "keyword in link",
			item:     model.Item{Title: "Forecast", Summary: "", Link: "https://example.com/weather/today"},
			keywords: []string{"weather"},
			want:     true,
		},
		{
			name:     "any of several keywords suffices",
			item:     model.Item{Title: "Transit strike announced"},
			keywords: []string{"weather", "strike"},
			want:     true,
		},
		{
			name:     "substring match inside a word",
			item:     model.Item{Title: "Bioweathering processes"},
			keywords: []string{"weather"},
			want:     true,
		},
		{
			name:     "unicode keyword",
			item:     model.Item{Title: "Unwetterwarnung für Berlin"},
			keywords: []string{"unwetter"},
			want:     true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Matches(tt.keywords, tt.item)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Matches() mismatch (-want +got):\n%s", diff)
			}
			// Pure function: a second call yields the same result.
			if again := Matches(tt.keywords, tt.item); again != got {
				t.Errorf("Matches() not deterministic: first %v, second %v", got, again)
			}
		})
	}
}

func TestStripMarkup(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "plain text untouched", in: "just words", want: "just words"},
		{name: "tags removed", in: "<p>Hello <b>world</b></p>", want: "Hello world"},
		{name: "attributes removed with tag", in: `<a href="https://example.com">link text</a>`, want: "link text"},
		{name: "empty string", in: "", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, StripMarkup(tt.in)); diff != "" {
				t.Errorf("StripMarkup mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		in   []string
		want []string
	}{
		{name: "nil stays nil", in: nil, want: nil},
		{name: "lowercased and sorted", in: []string{"Weather", "ALERT"}, want: []string{"alert", "weather"}},
		{name: "trimmed and deduplicated", in: []string{" go ", "go", "", "Go"}, want: []string{"go"}},
		{name: "blank entries dropped", in: []string{"", "  "}, want: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, Normalize(tt.in)); diff != "" {
				t.Errorf("Normalize mismatch (-want +got):\n%s", diff)
			}
		})
	}
}
