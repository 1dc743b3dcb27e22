package main

import (
	"context"
	"flag"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ryandielhenn/zephyrreg/pkg/protocol"
	"github.com/ryandielhenn/zephyrreg/pkg/transport"
)

func main() {
	addr := flag.String("addr", "http://localhost:5559", "registry address")
	n := flag.Int("n", 5000, "members to simulate")
	conc := flag.Int("c", 32, "concurrency")
	beats := flag.Int("beats", 3, "heartbeats per member")
	flag.Parse()

	cli := transport.NewClient(*addr, 5*time.Second)
	ctx := context.Background()

	var ops, failed atomic.Int64
	do := func(req protocol.Request) {
		ops.Add(1)
		resp, err := cli.Call(ctx, req)
		if err != nil || resp.Data.IsError() {
			failed.Add(1)
		}
	}

	wg := sync.WaitGroup{}
	start := time.Now()
	ch := make(chan int, *conc)

	for i := 0; i < *n; i++ {
		wg.Add(1)
		ch <- 1
		go func(i int) {
			defer wg.Done()
			name := fmt.Sprintf("bench-%d", i)
			do(protocol.Request{Service: protocol.NameRank, Data: protocol.RequestData{User: name}})
			for range *beats {
				do(protocol.Request{Service: protocol.NameHeartbeat, Data: protocol.RequestData{User: name}})
			}
			if i%100 == 0 {
				do(protocol.Request{Service: protocol.NameList})
			}
			<-ch
		}(i)
	}
	wg.Wait()
	dur := time.Since(start)
	fmt.Printf("Completed %d ops (%d failed) in %s (%.2f ops/s)\n", ops.Load(), failed.Load(), dur, float64(ops.Load())/dur.Seconds())
}
