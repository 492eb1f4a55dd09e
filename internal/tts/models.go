package tts

// Model describes a provider speech model and what it supports
type Model struct {
	ID                 string     `json:"modelId"`
	Name               string     `json:"name"`
	Description        string     `json:"description"`
	CanUseStyle        bool       `json:"canUseStyle"`
	CanUseSpeakerBoost bool       `json:"canUseSpeakerBoost"`
	MaxCharacters      int        `json:"maxCharacters"` // per request, subscribed tier
	Languages          []Language `json:"languages"`
}

// Language is a language a model can speak
type Language struct {
	ID   string `json:"languageId"`
	Name string `json:"name"`
}

// DefaultModelID is used when a request names no model
const DefaultModelID = "eleven_monolingual_v1"

var english = []Language{{ID: "en", Name: "English"}}

// The model list rarely changes, so it is kept in code rather than fetched
// from GET /v1/models on every start.
var models = []Model{
	{
		ID:                 "eleven_english_v2",
		Name:               "Eleven English v2",
		Description:        "State of the art speech synthesis model, able to generate speech in the highest quality.",
		CanUseStyle:        true,
		CanUseSpeakerBoost: true,
		MaxCharacters:      1000,
		Languages:          english,
	},
	{
		ID:            "eleven_monolingual_v1",
		Name:          "Eleven English v1",
		Description:   "Standard English language model for speech in a variety of voices, styles and moods.",
		MaxCharacters: 5000,
		Languages:     english,
	},
	{
		ID:            "eleven_multilingual_v1",
		Name:          "Eleven Multilingual v1",
		Description:   "Lifelike speech in multiple languages.",
		MaxCharacters: 5000,
		Languages: []Language{
			{ID: "en", Name: "English"},
			{ID: "de", Name: "German"},
			{ID: "pl", Name: "Polish"},
			{ID: "es", Name: "Spanish"},
			{ID: "it", Name: "Italian"},
			{ID: "fr", Name: "French"},
			{ID: "pt", Name: "Portuguese"},
			{ID: "hi", Name: "Hindi"},
		},
	},
}

// Models returns a copy of the model catalogue
func Models() []Model {
	out := make([]Model, len(models))
	copy(out, models)
	return out
}

// LookupModel finds a model by id
func LookupModel(id string) (Model, bool) {
	for _, m := range models {
		if m.ID == id {
			return m, true
		}
	}
	return Model{}, false
}
