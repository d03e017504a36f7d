package backend

import (
	"fmt"
	"math"
	"math/rand"

	ort "github.com/yalue/onnxruntime_go"

	"batchserve/serving"
)

// ONNXExecutor runs one decoding step per sequence through an ONNX model
// exporting an "input_ids" -> "logits" signature. It implements
// serving.StepExecutor.
//
// The session is created once and holds the loaded model for the
// executor's lifetime; only the input/output tensors vary per call, since
// sequence lengths change every step. Each step re-runs the full token
// history; the exported models carry no KV-cache inputs, so the cache
// accounting in the core bounds memory while the backend recomputes
// attention per step.
type ONNXExecutor struct {
	session   *ort.DynamicAdvancedSession
	vocabSize int
	eos       int
	rng       *rand.Rand
}

// NewONNXExecutor initializes ONNX Runtime and loads the model.
func NewONNXExecutor(modelPath string, vocabSize, eos int) (*ONNXExecutor, error) {
	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("failed to initialize ONNX runtime: %w", err)
		}
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("failed to create session options: %w", err)
	}
	defer options.Destroy()
	if err := options.SetIntraOpNumThreads(4); err != nil {
		return nil, fmt.Errorf("failed to set threads: %w", err)
	}

	session, err := ort.NewDynamicAdvancedSession(
		modelPath,
		[]string{"input_ids"},
		[]string{"logits"},
		options,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load model: %w", err)
	}

	return &ONNXExecutor{
		session:   session,
		vocabSize: vocabSize,
		eos:       eos,
		rng:       rand.New(rand.NewSource(rand.Int63())),
	}, nil
}

// Step samples the next token for every sequence in the batch.
func (e *ONNXExecutor) Step(batch []*serving.Sequence) ([]serving.StepResult, error) {
	if len(batch) == 0 {
		return nil, fmt.Errorf("empty batch")
	}

	results := make([]serving.StepResult, len(batch))

	for i, seq := range batch {
		logits, err := e.forward(seq.TokenIDs)
		if err != nil {
			return nil, fmt.Errorf("sequence %s: %w", seq.ID, err)
		}

		tokenID := sampleToken(logits, seq.Params.Temperature, e.rng)
		results[i] = serving.StepResult{
			TokenID: tokenID,
			Stop:    tokenID == e.eos,
		}
	}

	return results, nil
}

// forward runs the model over the full token history and returns the
// logits of the last position.
func (e *ONNXExecutor) forward(tokenIDs []int) ([]float32, error) {
	inputShape := ort.NewShape(1, int64(len(tokenIDs)))
	inputData := make([]int64, len(tokenIDs))
	for j, id := range tokenIDs {
		inputData[j] = int64(id)
	}

	inputTensor, err := ort.NewTensor(inputShape, inputData)
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	defer inputTensor.Destroy()

	outputShape := ort.NewShape(1, int64(len(tokenIDs)), int64(e.vocabSize))
	outputData := make([]float32, len(tokenIDs)*e.vocabSize)
	outputTensor, err := ort.NewTensor(outputShape, outputData)
	if err != nil {
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}
	defer outputTensor.Destroy()

	if err := e.session.Run([]ort.Value{inputTensor}, []ort.Value{outputTensor}); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}

	// outputData is the Go slice backing the tensor, so it stays valid
	// after the tensor is destroyed.
	last := (len(tokenIDs) - 1) * e.vocabSize
	return outputData[last : last+e.vocabSize], nil
}

// sampleToken samples from logits with temperature scaling.
func sampleToken(logits []float32, temperature float64, rng *rand.Rand) int {
	scaled := make([]float32, len(logits))
	copy(scaled, logits)

	if temperature != 1.0 {
		for i := range scaled {
			scaled[i] /= float32(temperature)
		}
	}

	maxLogit := scaled[0]
	for _, logit := range scaled {
		if logit > maxLogit {
			maxLogit = logit
		}
	}

	var sumExp float32
	probs := make([]float32, len(scaled))
	for i, logit := range scaled {
		probs[i] = float32(math.Exp(float64(logit - maxLogit)))
		sumExp += probs[i]
	}

	r := rng.Float32() * sumExp
	var cum float32
	for i, p := range probs {
		cum += p
		if r <= cum {
			return i
		}
	}

	return len(probs) - 1
}

// Close destroys the session and the loaded model.
func (e *ONNXExecutor) Close() error {
	if e.session != nil {
		e.session.Destroy()
		e.session = nil
	}
	return nil
}
