package avatar

import (
	"maps"
	"regexp"
	"strings"
)

var keywordPattern = regexp.MustCompile(`\[([^\[\]]+)\]`)

// Info is sent to clients in the set-model notification.
type Info struct {
	Name        string         `json:"name"`
	EmotionMap  map[string]int `json:"emotionMap"`
	DefaultExpr int            `json:"defaultExpression"`
}

// Model maps bracketed emotion keywords in assistant text ("[joy]") onto
// Live2D expression indexes.
type Model struct {
	name       string
	emotionMap map[string]int
}

func NewModel(name string, emotionMap map[string]int) *Model {
	m := make(map[string]int, len(emotionMap))
	for k, v := range emotionMap {
		m[strings.ToLower(strings.TrimSpace(k))] = v
	}
	return &Model{name: name, emotionMap: m}
}

func (m *Model) Info() Info {
	if m == nil {
		return Info{EmotionMap: map[string]int{}}
	}
	return Info{Name: m.name, EmotionMap: maps.Clone(m.emotionMap), DefaultExpr: m.emotionMap["neutral"]}
}

// Expressions returns the expression indexes for every known keyword in
// text, in order of appearance. Unknown keywords are ignored.
func (m *Model) Expressions(text string) []int {
	if m == nil || len(m.emotionMap) == 0 {
		return nil
	}
	var out []int
	for _, match := range keywordPattern.FindAllStringSubmatch(text, -1) {
		if idx, ok := m.emotionMap[strings.ToLower(strings.TrimSpace(match[1]))]; ok {
			out = append(out, idx)
		}
	}
	return out
}

// StripKeywords removes known emotion keywords from text, leaving other
// bracketed spans alone.
func (m *Model) StripKeywords(text string) string {
	if m == nil || len(m.emotionMap) == 0 {
		return text
	}
	out := keywordPattern.ReplaceAllStringFunc(text, func(tag string) string {
		key := strings.ToLower(strings.TrimSpace(tag[1 : len(tag)-1]))
		if _, ok := m.emotionMap[key]; ok {
			return ""
		}
		return tag
	})
	return strings.Join(strings.Fields(out), " ")
}
