// Command example runs the serving core in-process against the mock
// executor, streaming three generations concurrently.
package main

import (
	"context"
	"fmt"
	"log"
	"sync"

	"batchserve/serving"
)

func main() {
	config := serving.NewConfig(
		serving.WithMaxBatchSize(8),
		serving.WithCacheBlockCount(256),
		serving.WithBlockSizeTokens(16),
	)

	executor := serving.NewMockExecutor(32000, 2)
	executor.SetStopAfter(24)
	tokenizer := serving.NewWordTokenizer(2)

	engine := serving.NewEngine(config, executor, tokenizer)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go engine.Run(ctx)

	prompts := []string{
		"Hello, batchserve!",
		"What is the meaning of life?",
		"Explain continuous batching in simple terms.",
	}

	var wg sync.WaitGroup
	for i, prompt := range prompts {
		sess, err := engine.Open(prompt, serving.NewSamplingParams(
			serving.WithTemperature(0.6),
			serving.WithMaxTokens(64),
		))
		if err != nil {
			log.Fatalf("open failed: %v", err)
		}

		wg.Add(1)
		go func(i int, prompt string, sess *serving.Session) {
			defer wg.Done()

			tokens := 0
			for {
				ev, err := sess.ReadNext(ctx)
				if err != nil {
					return
				}
				switch ev.Kind {
				case serving.EventToken:
					tokens++
				case serving.EventEnd:
					fmt.Printf("prompt %d (%q): %d tokens, done_reason=%s\n", i+1, prompt, tokens, ev.Reason)
					return
				case serving.EventError:
					fmt.Printf("prompt %d (%q): error: %v\n", i+1, prompt, ev.Err)
					return
				}
			}
		}(i, prompt, sess)
	}

	wg.Wait()
}
