package model

import (
	"encoding/json"
	"os"
)

// ModelArgs are the architecture hyperparameters of a checkpoint. Tagged
// fields mirror the keys of its params.json, untagged ones are filled in
// by applyDerivedValues after loading.
type ModelArgs struct {
	Dim               int     `json:"dim"`
	N_Layers          int     `json:"n_layers"`
	N_Heads           int     `json:"n_heads"`
	N_KVHeads         int     `json:"n_kv_heads"`  // -1 when the file omits it, defaults to N_Heads
	VocabSize         int     `json:"vocab_size"`  // -1 in the file, the loader fills it from the tokenizer
	MultipleOf        int     `json:"multiple_of"` // SwiGLU hidden size rounds up to a multiple of this
	FFNDimMultiplier  float64 `json:"ffn_dim_multiplier"`
	NormEpsilon       float32 `json:"norm_eps"`
	UseScaledRope     bool    `json:"use_scaled_rope"`
	RopeTheta         float64 `json:"rope_theta"`
	MaxSequenceLength int

	N_Rep   int
	HeadDim int

	kvHeadsDefaulted bool
}

func NewModelArgs() *ModelArgs {
	return &ModelArgs{
		Dim:        4096,
		N_Layers:   32,
		N_Heads:    32,
		N_KVHeads:  -1,
		VocabSize:  -1,
		MultipleOf: 256,

		FFNDimMultiplier:  -1,
		NormEpsilon:       1e-5,
		RopeTheta:         10000,
		UseScaledRope:     false,
		MaxSequenceLength: 2048,
	}
}

func (ma ModelArgs) String() string {
	result, _ := json.Marshal(ma)
	return string(result)
}

// applyDerivedValues fills in the fields params.json doesn't carry. The
// maximum context length in particular is nowhere in the checkpoint, it is
// inferred from the model family fingerprint the same way llama.cpp's
// convert script does it.
func (ma *ModelArgs) applyDerivedValues() {
	if ma.N_KVHeads < 0 {
		ma.N_KVHeads = ma.N_Heads
		ma.kvHeadsDefaulted = true
	}
	ma.N_Rep = ma.N_Heads / ma.N_KVHeads
	ma.HeadDim = ma.Dim / ma.N_Heads

	switch {
	case ma.RopeTheta >= 1e6 && !ma.UseScaledRope:
		// CodeLlama
		ma.MaxSequenceLength = 16384
	case ma.UseScaledRope:
		// Llama 3.1, rope schedule stretched from the 8192-token original
		ma.MaxSequenceLength = 8192
	case ma.NormEpsilon == 1e-5 || ma.NormEpsilon == 1e-6:
		// Llama 2
		ma.MaxSequenceLength = 4096
	default:
		// Llama 1
		ma.MaxSequenceLength = 2048
	}
}

func loadModelArgsFromFile(configFilePath string) (*ModelArgs, error) {
	jsonFile, err := os.Open(configFilePath)
	if err != nil {
		return nil, err
	}
	defer jsonFile.Close()

	modelArgs := NewModelArgs()
	if err := json.NewDecoder(jsonFile).Decode(modelArgs); err != nil {
		return nil, err
	}
	modelArgs.applyDerivedValues()
	return modelArgs, nil
}
