// Package publisher hands phrase chunks cut from final transcripts to the
// downstream translation pipeline.
package publisher

import "context"

// PhraseMessage is one translatable phrase. Consumers rebuild the utterance
// from (ResultID, PhraseIndex) and know it is complete when IsLast arrives.
type PhraseMessage struct {
	SessionID          string `json:"sessionId"`
	SessionTargetID    string `json:"sessionTargetId"`
	ResultID           string `json:"resultId"`
	LanguageCode       string `json:"languageCode"`
	TargetLanguageCode string `json:"targetLanguageCode"`
	Text               string `json:"text"`
	PhraseIndex        int    `json:"phraseIndex"`
	IsLast             bool   `json:"isLast"`
	StartMS            int64  `json:"startMs"`
	EndMS              int64  `json:"endMs"`
}

type Publisher interface {
	PublishPhrase(ctx context.Context, msg PhraseMessage) error
	Close() error
}
