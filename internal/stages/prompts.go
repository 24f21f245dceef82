package stages

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// Prompt budgets. Input clips keep prompts inside the context window; output
// caps keep spend predictable. Cleaning gets the largest output cap because
// it returns the whole article text.
const (
	analysisPromptChars = 4000
	analysisMaxTokens   = 1000
	cleanPromptChars    = 8000
	cleanMaxTokens      = 4000
	enhancePromptChars  = 6000
	enhanceMaxTokens    = 3000
)

// Sampling temperatures. Cleaning runs coldest: it must not paraphrase.
const (
	analysisTemperature = 0.3
	cleanTemperature    = 0.2
	enhanceTemperature  = 0.3
)

const analysisSystem = "You are a German language expert specializing in CEFR level assessment " +
	"and language learning. Provide accurate, structured analysis."

func analysisPrompt(title, content string) string {
	var b strings.Builder
	b.WriteString("Analyze this German news article for language learners. Respond with a single JSON object.\n\n")
	fmt.Fprintf(&b, "Article Title: %s\n\nArticle Content:\n%s\n\n", title, clip(content, analysisPromptChars))
	b.WriteString(`Respond in exactly this JSON shape:
{
  "level": "A1|A2|B1|B2|C1|C2",
  "topics": ["topic1", "topic2"],
  "summary": "Two or three German sentences summarizing the article.",
  "keywords": ["keyword1", "keyword2"]
}

Guidelines:
1. Level: judge vocabulary complexity, sentence structure, and topic sophistication against the CEFR bands.
2. Topics: identify 2-4 broad topics (e.g. "politik", "technologie", "gesundheit", "kultur").
3. Summary: plain German at the article's own level. No new facts.
4. Keywords: 5-10 words a learner should look up before reading.

Return ONLY the JSON, no additional text.`)
	return b.String()
}

const cleanSystem = "You are a professional content editor specializing in educational materials. " +
	"You clean and focus content while preserving its original language level and meaning."

func cleanPrompt(title string, topics []string, level, content string) string {
	topicList := "general"
	if len(topics) > 0 {
		topicList = strings.Join(topics, ", ")
	}
	if level == "" {
		level = "B1"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "You are preparing a German news article for language learners at %s level.\n\n", level)
	fmt.Fprintf(&b, "Article Title: %s\nMain Topics: %s\n\nOriginal Content:\n%s\n\n", title, topicList, clip(content, cleanPromptChars))
	b.WriteString(`Remove completely:
- Website navigation ("Startseite", "Menü", "Suche") and social media prompts ("Teilen", "Newsletter").
- Author bylines ("Von ...") and publication dates at the start of the article.
- Article recommendations ("Lesen Sie auch", "Das könnte Sie interessieren") and related teasers.
- Copyright notices, disclaimers, advertisement text, and source citations ("Quelle: dpa").
- Non-German text, repeated paragraphs, and off-topic tangents.

Fix:
- Merged words without spaces (e.g. "MuseumLouvreist" to "Museum Louvre ist").
- Excessive line breaks and spacing; punctuation spacing; leftover markup characters.
- Paragraph breaks for readability.

Preserve:
- All core information, direct quotes, facts, dates, and numbers.
- The original vocabulary and grammar. Do NOT simplify, summarize, translate, or add content.
- When unsure whether something is core to the story, keep it.

Return ONLY the cleaned article text in German, starting directly with the content.`)
	return b.String()
}

const enhanceSystem = "You are an experienced German language teacher preparing authentic German " +
	"articles for intermediate learners (B1-B2 CEFR level). Output only valid JSON."

func enhancePrompt(title, content string) string {
	var b strings.Builder
	b.WriteString("Create learning material for this German article. Do not modify, simplify, or translate the article itself.\n\n")
	fmt.Fprintf(&b, "Article Title: %s\n\nArticle Text:\n%s\n\n", title, clip(content, enhancePromptChars))
	b.WriteString(`Respond in exactly this JSON shape:
{
  "vocabulary": [
    {"word": "Bundestag", "article": "der", "translation": "German federal parliament", "example": "Der Bundestag hat ein neues Gesetz verabschiedet."}
  ],
  "grammar": [
    {"pattern": "Passive voice", "explanation": "werden + past participle", "example": "Das Gesetz wurde verabschiedet."}
  ],
  "questions": ["Open-ended German comprehension question?"],
  "difficulty": "B1|B2|C1",
  "reading_minutes": 5
}

Guidelines:
1. Vocabulary: 10-15 words key to the article's main ideas. Skip obvious cognates ("Computer") and basic A1-A2 words. Nouns carry their definite article; the example is a sentence from the text.
2. Grammar: 3-5 structures the article actually exercises, each with an example from the text.
3. Questions: 3-5 open-ended German questions testing the main ideas.
4. Difficulty and reading time are estimates for B1-B2 learners.

Return ONLY the JSON, no additional text.`)
	return b.String()
}

// clip bounds prompt text without splitting a multi-byte rune.
func clip(s string, max int) string {
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}
