package notion

// maxTextChunk is the Notion per-element rich-text limit.
const maxTextChunk = 2000

// SplitText splits text into chunks of at most limit characters,
// preferring newline then space break points before a hard cut.
func SplitText(text string, limit int) []string {
	if text == "" {
		return []string{""}
	}
	var chunks []string
	runes := []rune(text)
	for len(runes) > limit {
		cut := lastRuneIndex(runes[:limit], '\n')
		if cut <= 0 {
			cut = lastRuneIndex(runes[:limit], ' ')
		}
		if cut <= 0 {
			cut = limit
		}
		chunks = append(chunks, string(runes[:cut]))
		runes = runes[cut:]
		for len(runes) > 0 && runes[0] == '\n' {
			runes = runes[1:]
		}
	}
	chunks = append(chunks, string(runes))
	return chunks
}

func lastRuneIndex(runes []rune, target rune) int {
	for i := len(runes) - 1; i >= 0; i-- {
		if runes[i] == target {
			return i
		}
	}
	return -1
}

// RichTextArray builds a rich_text array, splitting at the 2000-char
// element boundary.
func RichTextArray(text string) []any {
	chunks := SplitText(text, maxTextChunk)
	items := make([]any, 0, len(chunks))
	for _, chunk := range chunks {
		items = append(items, map[string]any{
			"type": "text",
			"text": map[string]any{"content": chunk},
		})
	}
	return items
}

// Heading builds a heading block. Levels outside 1..3 fall back to 2.
func Heading(text string, level int) map[string]any {
	if level < 1 || level > 3 {
		level = 2
	}
	key := map[int]string{1: "heading_1", 2: "heading_2", 3: "heading_3"}[level]
	runes := []rune(text)
	if len(runes) > maxTextChunk {
		text = string(runes[:maxTextChunk])
	}
	return map[string]any{
		"object": "block",
		"type":   key,
		key:      map[string]any{"rich_text": RichTextArray(text)},
	}
}

// Paragraph builds a paragraph block; long text splits into multiple
// rich-text elements within the same paragraph.
func Paragraph(text string) map[string]any {
	return map[string]any{
		"object":    "block",
		"type":      "paragraph",
		"paragraph": map[string]any{"rich_text": RichTextArray(text)},
	}
}

// BulletedList builds one bulleted list item block.
func BulletedList(text string) map[string]any {
	return map[string]any{
		"object": "block",
		"type":   "bulleted_list_item",
		"bulleted_list_item": map[string]any{
			"rich_text": RichTextArray(text),
		},
	}
}

// Divider builds a divider block.
func Divider() map[string]any {
	return map[string]any{
		"object":  "block",
		"type":    "divider",
		"divider": map[string]any{},
	}
}

// TitleProperty builds a title property value.
func TitleProperty(text string) map[string]any {
	return map[string]any{"title": RichTextArray(text)}
}

// SelectProperty builds a select property value.
func SelectProperty(name string) map[string]any {
	return map[string]any{"select": map[string]any{"name": name}}
}

// DateProperty builds a date property value.
func DateProperty(start string) map[string]any {
	return map[string]any{"date": map[string]any{"start": start}}
}

// NumberProperty builds a number property value.
func NumberProperty(value float64) map[string]any {
	return map[string]any{"number": value}
}

// RichTextProperty builds a rich_text property value.
func RichTextProperty(text string) map[string]any {
	return map[string]any{"rich_text": RichTextArray(text)}
}
