package model

// Credentials is the static key pair exchanged for an upstream access token.
type Credentials struct {
	APIKey    string `json:"apiKey"`
	APISecret string `json:"apiSecret"`
}
