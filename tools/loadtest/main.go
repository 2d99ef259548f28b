package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/SkynetNext/edge-gateway/internal/protocol"
	"github.com/spf13/pflag"
)

var (
	host        = pflag.String("host", "localhost", "Target host")
	port        = pflag.Int("port", 8080, "Target port")
	connections = pflag.Int("connections", 100, "Number of concurrent client sessions")
	duration    = pflag.Duration("duration", 30*time.Second, "Test duration")
	rate        = pflag.Float64("rate", 10.0, "Messages per second per session")
	msgID       = pflag.Uint32("msg-id", 1001, "Message id to send; must be a handshake id unless the node binds a zone")
	messageSize = pflag.Int("message-size", 8, "Body size in bytes")
	timeout     = pflag.Duration("timeout", 5*time.Second, "Dial and reply timeout")
	verbose     = pflag.Bool("verbose", false, "Verbose output")
)

type counters struct {
	dialed      atomic.Int64
	dialFailed  atomic.Int64
	sent        atomic.Int64
	replied     atomic.Int64
	writeErrors atomic.Int64
	readErrors  atomic.Int64
	seqMismatch atomic.Int64
	bytesOut    atomic.Int64
	bytesIn     atomic.Int64
}

var stats counters

// latencies collects per-session samples; merged once at the end
type latencies struct {
	mu      sync.Mutex
	samples []time.Duration
}

func (l *latencies) add(s []time.Duration) {
	l.mu.Lock()
	l.samples = append(l.samples, s...)
	l.mu.Unlock()
}

func main() {
	pflag.Parse()
	target := net.JoinHostPort(*host, strconv.Itoa(*port))

	fmt.Printf("=== Edge Gateway Load Test ===\n")
	fmt.Printf("Target: %s\n", target)
	fmt.Printf("Sessions: %d, Duration: %v, Rate: %.2f msg/s per session\n", *connections, *duration, *rate)
	fmt.Printf("Message: id=%d body=%dB\n\n", *msgID, *messageSize)

	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()

	go reportStats(ctx)

	var all latencies
	var wg sync.WaitGroup
	start := time.Now()
	for i := 0; i < *connections; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			all.add(runSession(ctx, target))
		}()
	}
	wg.Wait()

	os.Exit(printFinalReport(time.Since(start), all.samples))
}

// runSession drives one client: send a frame, wait for the echo, repeat at the configured rate
func runSession(ctx context.Context, target string) []time.Duration {
	d := net.Dialer{Timeout: *timeout}
	conn, err := d.DialContext(ctx, "tcp", target)
	if err != nil {
		stats.dialFailed.Add(1)
		if *verbose {
			fmt.Printf("❌ dial failed: %v\n", err)
		}
		return nil
	}
	defer conn.Close()
	stats.dialed.Add(1)

	// Unblock a pending read once the test ends
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	r := bufio.NewReader(conn)
	body := make([]byte, *messageSize)
	ticker := time.NewTicker(time.Duration(float64(time.Second) / *rate))
	defer ticker.Stop()

	var samples []time.Duration
	for seq := uint32(1); ; seq++ {
		select {
		case <-ctx.Done():
			return samples
		case <-ticker.C:
		}
		rtt, err := roundTrip(conn, r, seq, body)
		if err != nil {
			if ctx.Err() == nil && *verbose {
				fmt.Printf("❌ session failed: %v\n", err)
			}
			return samples
		}
		samples = append(samples, rtt)
	}
}

func roundTrip(conn net.Conn, r *bufio.Reader, seq uint32, body []byte) (time.Duration, error) {
	start := time.Now()
	frame := protocol.EncodeEdge(&protocol.GatewayPacket{MsgID: *msgID, Seq: seq, Body: body})
	if _, err := conn.Write(frame); err != nil {
		stats.writeErrors.Add(1)
		return 0, err
	}
	stats.sent.Add(1)
	stats.bytesOut.Add(int64(len(frame)))

	_ = conn.SetReadDeadline(time.Now().Add(*timeout))
	reply, err := protocol.ReadEdge(r, protocol.DefaultMaxFrameSize)
	if err != nil {
		var netErr net.Error
		if !errors.As(err, &netErr) || !netErr.Timeout() {
			stats.readErrors.Add(1)
		}
		return 0, err
	}
	stats.replied.Add(1)
	stats.bytesIn.Add(int64(protocol.EdgeFrameSize(reply)))
	if reply.Seq != seq {
		stats.seqMismatch.Add(1)
	}
	return time.Since(start), nil
}

func reportStats(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fmt.Printf("\r[Stats] Sessions: %d (failed: %d) | Sent: %d | Replies: %d | Bytes in/out: %d/%d",
				stats.dialed.Load(), stats.dialFailed.Load(), stats.sent.Load(), stats.replied.Load(),
				stats.bytesIn.Load(), stats.bytesOut.Load())
		}
	}
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(float64(len(sorted)-1) * p)
	return sorted[idx]
}

// printFinalReport prints the summary and returns the process exit code
func printFinalReport(elapsed time.Duration, samples []time.Duration) int {
	dialed, failed := stats.dialed.Load(), stats.dialFailed.Load()
	sent, replied := stats.sent.Load(), stats.replied.Load()

	fmt.Printf("\n\n=== Final Report ===\n")
	fmt.Printf("Duration: %v\n", elapsed)

	fmt.Printf("\n--- Sessions ---\n")
	fmt.Printf("Connected: %d, Failed: %d\n", dialed, failed)

	fmt.Printf("\n--- Messages ---\n")
	fmt.Printf("Sent: %d, Replies: %d, Seq mismatches: %d\n", sent, replied, stats.seqMismatch.Load())
	fmt.Printf("Throughput: %.2f msg/s\n", float64(replied)/elapsed.Seconds())
	fmt.Printf("Bytes in/out: %d/%d (%.2f MB/s out)\n", stats.bytesIn.Load(), stats.bytesOut.Load(),
		float64(stats.bytesOut.Load())/1024/1024/elapsed.Seconds())

	if len(samples) > 0 {
		sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
		fmt.Printf("\n--- Latency ---\n")
		fmt.Printf("Min: %v  p50: %v  p99: %v  Max: %v\n",
			samples[0], percentile(samples, 0.50), percentile(samples, 0.99), samples[len(samples)-1])
	}

	fmt.Printf("\n--- Errors ---\n")
	fmt.Printf("Write: %d, Read: %d\n", stats.writeErrors.Load(), stats.readErrors.Load())

	total := dialed + failed
	if total == 0 || failed > total/10 || sent-replied > sent/10 {
		fmt.Printf("\n❌ Test failed: too many errors\n")
		return 1
	}
	fmt.Printf("\n✅ Test completed successfully\n")
	return 0
}
