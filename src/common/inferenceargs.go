package common

type InferenceArgs struct {
	Seed           int64   // RNG (Random Number Generator) seed, -1 for random
	SequenceLength int     // text context, 0 = from model
	MaxNewTokens   int     // upper bound on generated token count, 0 = until context is full
	Temperature    float32 // logit scale applied before sampling, 0 falls back to greedy
	TopK           int     // keep only the K most probable tokens while sampling, 0 = disabled
	TopP           float32 // nucleus probability mass while sampling, 0 or >=1 = disabled
	DoSample       bool    // sample from the distribution instead of taking the argmax
}

func NewInferenceArgs() InferenceArgs {
	return InferenceArgs{
		Seed:           -1,
		SequenceLength: 0,
		MaxNewTokens:   0,
		Temperature:    0.6,
		TopK:           40,
		TopP:           0.9,
		DoSample:       false,
	}
}
