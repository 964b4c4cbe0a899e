// Package stream provides a record/replay event trace pipeline: a
// high-throughput Writer captures application-level events from one
// producer thread (and, optionally, forked child processes) into a
// single on-disk trace file, and a Reader reconstructs the stream in
// the order it was produced, demultiplexed by producing process.
//
// The Writer encodes events into fixed 64 KiB buffer slots and hands
// full slots to a background persister over a lock-free single-producer
// single-consumer queue; the persister frames every byte range it
// writes with a small PID header so that a trace written to by more
// than one process (after a fork) can still be demultiplexed on replay.
//
// # Quick Start
//
//	w, err := stream.NewWriter(stream.WriterConfig{
//		Path:       "trace.bin",
//		Thread:     func() []byte { return []byte("main") },
//		Serializer: json.Marshal,
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	w.Write("hello")
//	w.Write(123)
//	w.Close() // hands the active slot to the file
//
//	r, err := stream.NewReader(stream.ReaderConfig{
//		Path: "trace.bin",
//		Deserialize: func(b []byte) (interface{}, error) {
//			var v interface{}
//			err := json.Unmarshal(b, &v)
//			return v, err
//		},
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer r.Close()
//
//	for {
//		v, err := r.Next()
//		if err == stream.ErrEOF {
//			break
//		}
//		fmt.Println(v)
//	}
//
// # Backpressure
//
// WriterConfig.BackpressureTimeout selects what happens when the Writer
// cannot immediately obtain a free slot or enough inflight budget: nil
// waits indefinitely (no data loss), zero drops immediately, and a
// positive duration waits up to that bound before dropping. Dropped
// records are summarized by a Dropped control marker, prepended ahead
// of the next record a subsequent successful Write or Close produces —
// it always precedes the data it follows in time, never follows it.
//
// # Fork safety
//
// Call Writer.PrepareFork immediately before invoking a fork primitive
// and Writer.AfterFork in both the parent and the child afterward. The
// child's ChildPolicy (set via WriterConfig.ChildPolicy) decides whether
// its own Write/Flush/Heartbeat calls become no-ops (ChildDisabled,
// the default) or independently append PID-framed data to the same
// trace (ChildIndependent). The Reader demultiplexes by PID either way.
//
// # Configuration
//
// WriterConfig.InflightLimitStr, WriterConfig.BackpressureTimeoutStr,
// and ReaderConfig.ReadTimeoutStr accept human-typed strings ("128MB",
// "50ms", "5s") parsed by ParseSize/ParseDuration, for callers loading
// configuration from text. The typed field (InflightLimit,
// BackpressureTimeout, ReadTimeout) always takes precedence when set.
package stream
