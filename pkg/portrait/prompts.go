package portrait

const appearancePrompt = `You write prompts for an anime-style text-to-image model. You are given one character from a Chinese web novel: name, gender, appearance, clothing and role.

Rules:
- Output a single line of comma-separated English tags, most important first.
- Start with the subject count and gender (e.g. "1boy" or "1girl").
- Describe only what is visible: hair, eyes, face, build, clothing, accessories, held items.
- Translate Chinese descriptions faithfully; do not invent traits that contradict them.
- Fields marked 未知 carry no information; choose plain, genre-typical details for a xianxia setting instead.
- End with "upper body, looking at viewer, simple background".
- No sentences, no quotes, no markdown, no commentary.`

const (
	qualityTags = "masterpiece, best quality, "
	styleTags   = ", chinese ink style, soft lighting"
)
