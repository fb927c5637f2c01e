// =============================================================================
// 文件: internal/handler/handler_test.go
// 描述: 上传/下载端到端测试 (进程内有损网络)
// =============================================================================
package handler

import (
	"bytes"
	"context"
	"io"
	"math/rand"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/blake2b"

	"github.com/mrcgq/rdtp/internal/protocol"
	"github.com/mrcgq/rdtp/internal/storage"
	"github.com/mrcgq/rdtp/internal/transport"
)

const waitTimeout = 10 * time.Second

// =============================================================================
// 测试组件
// =============================================================================

// frame 网络上观察到的一个数据报
type frame struct {
	from string
	msg  *transport.Message
}

// wireTap 记录并按需丢弃数据报
type wireTap struct {
	mu     sync.Mutex
	frames []frame
	drop   func(from string, m *transport.Message) bool
}

func (w *wireTap) filter(from, to net.Addr, data []byte) bool {
	m, err := transport.DecodeMessage(data)
	if err != nil {
		return true
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.drop != nil && w.drop(from.String(), m) {
		return false
	}
	w.frames = append(w.frames, frame{from: from.String(), msg: m})
	return true
}

func (w *wireTap) snapshot() []frame {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]frame(nil), w.frames...)
}

// count 统计某一端发送的指定角色消息
func (w *wireTap) count(from string, match func(m *transport.Message) bool) int {
	n := 0
	for _, f := range w.snapshot() {
		if f.from == from && match(f.msg) {
			n++
		}
	}
	return n
}

func isData(m *transport.Message) bool { return m.Role.IsData() }
func isAck(m *transport.Message) bool  { return m.Role == transport.RoleAck }

// memRecorder 收集服务端结果
type memRecorder struct {
	results chan *Result
}

func (r *memRecorder) RecordTransfer(res *Result) {
	r.results <- res
}

func (r *memRecorder) wait(t *testing.T) *Result {
	t.Helper()
	select {
	case res := <-r.results:
		return res
	case <-time.After(waitTimeout):
		t.Fatal("等待服务端结果超时")
		return nil
	}
}

type testEnv struct {
	net     *transport.MemoryNetwork
	tap     *wireTap
	store   *storage.DiskStore
	journal *storage.Journal
	server  *Server
	client  *Client
	rec     *memRecorder
	outDir  string
	srcDir  string
}

type envOptions struct {
	conn        *transport.ConnConfig
	chunkSize   int
	maxFileSize int64
	clientMax   int64
}

func testConnConfig() *transport.ConnConfig {
	return &transport.ConnConfig{
		WindowSize:              5,
		RTO:                     500 * time.Millisecond,
		MaxRetransmits:          transport.ARQDefaultMaxRetransmits,
		FastRetransmitThreshold: transport.ARQFastRetransmitThreshold,
		HandshakeTimeout:        500 * time.Millisecond,
		HandshakeAttempts:       transport.ARQDefaultHandshakeAttempts,
		IdleTimeout:             5 * time.Second,
		Linger:                  100 * time.Millisecond,
		ErrorGrace:              300 * time.Millisecond,
		InboxSize:               transport.ARQDefaultInboxSize,
	}
}

func newTestEnv(t *testing.T, opts envOptions) *testEnv {
	t.Helper()

	if opts.conn == nil {
		opts.conn = testConnConfig()
	}
	if opts.chunkSize == 0 {
		opts.chunkSize = 1024
	}
	if opts.maxFileSize == 0 {
		opts.maxFileSize = protocol.DefaultMaxFileSize
	}
	if opts.clientMax == 0 {
		opts.clientMax = opts.maxFileSize
	}

	logger := log.New()
	logger.SetOutput(io.Discard)

	root := t.TempDir()
	env := &testEnv{
		net:    transport.NewMemoryNetwork(),
		tap:    &wireTap{},
		rec:    &memRecorder{results: make(chan *Result, 8)},
		outDir: filepath.Join(root, "out"),
		srcDir: filepath.Join(root, "src"),
	}
	env.net.SetFilter(env.tap.filter)
	require.NoError(t, os.MkdirAll(env.srcDir, 0755))

	var err error
	env.store, err = storage.NewDiskStore(filepath.Join(root, "store"), logger)
	require.NoError(t, err)
	env.journal, err = storage.OpenJournal(filepath.Join(root, "journal.db"))
	require.NoError(t, err)

	env.server = NewServer(env.store, ServerConfig{
		MaxFileSize: opts.maxFileSize,
		ChunkSize:   opts.chunkSize,
	}, logger, &JournalRecorder{Journal: env.journal, Log: logger}, env.rec)

	serverT, err := env.net.Listen("server")
	require.NoError(t, err)
	clientT, err := env.net.Listen("client")
	require.NoError(t, err)

	serverReg := transport.NewRegistry(serverT, opts.conn, env.server, logger)
	clientReg := transport.NewRegistry(clientT, opts.conn, nil, logger)

	ctx, cancel := context.WithCancel(context.Background())
	go serverT.Serve(ctx, serverReg)
	go clientT.Serve(ctx, clientReg)

	env.client = NewClient(clientReg, env.net.Addr("server"), ClientConfig{
		MaxFileSize: opts.clientMax,
		ChunkSize:   opts.chunkSize,
		OutputDir:   env.outDir,
	}, logger)

	t.Cleanup(func() {
		clientReg.Close()
		serverReg.Close()
		cancel()
		serverT.Close()
		clientT.Close()
		env.journal.Close()
	})
	return env
}

// storeFile 在服务端存储中放置文件
func (e *testEnv) storeFile(t *testing.T, name string, data []byte) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(e.store.Dir(), name), data, 0644))
}

// sourceFile 在客户端创建待上传文件
func (e *testEnv) sourceFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	p := filepath.Join(e.srcDir, name)
	require.NoError(t, os.WriteFile(p, data, 0644))
	return p
}

func (e *testEnv) ctx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	t.Cleanup(cancel)
	return ctx
}

func randomBytes(n int) []byte {
	b := make([]byte, n)
	rand.New(rand.NewSource(int64(n))).Read(b)
	return b
}

func digestOf(data []byte) []byte {
	d := blake2b.Sum256(data)
	return d[:]
}

// =============================================================================
// 场景测试
// =============================================================================

// 停等模式上传 3 个块
func TestUploadStopAndWait(t *testing.T) {
	cfg := testConnConfig()
	cfg.WindowSize = 1
	env := newTestEnv(t, envOptions{conn: cfg})

	data := randomBytes(3000) // 1024 + 1024 + 952
	src := env.sourceFile(t, "three.bin", data)

	res := env.client.Upload(env.ctx(t), src, "")
	require.True(t, res.OK, "%v", res.Err)
	assert.Equal(t, int64(len(data)), res.Bytes)
	assert.Equal(t, digestOf(data), res.Digest)

	srv := env.rec.wait(t)
	require.True(t, srv.OK, "%v", srv.Err)
	assert.Equal(t, protocol.OpUpload, srv.Op)
	assert.Equal(t, digestOf(data), srv.Digest)

	stored, err := os.ReadFile(filepath.Join(env.store.Dir(), "three.bin"))
	require.NoError(t, err)
	assert.Equal(t, data, stored)

	// 请求 + 3 个数据块
	assert.Equal(t, 4, env.tap.count("client", isData))
	// 握手应答 + 请求确认 + 3 个数据块确认
	assert.Equal(t, 5, env.tap.count("server", isAck))
	// 仅有就绪应答
	assert.Equal(t, 1, env.tap.count("server", isData))
	assert.Zero(t, res.Stats.TimeoutRetransmits)
	assert.Zero(t, res.Stats.Retransmitted)
}

// 请求、确认、就绪按顺序出现在线上
func TestRequestAckReadyOrder(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	src := env.sourceFile(t, "order.txt", []byte("hello"))

	res := env.client.Upload(env.ctx(t), src, "")
	require.True(t, res.OK, "%v", res.Err)
	env.rec.wait(t)

	var seq []string
	for _, f := range env.tap.snapshot() {
		switch {
		case f.msg.Role == transport.RoleHandshake:
			seq = append(seq, "HS")
		case f.from == "client" && f.msg.Role.IsData() && bytes.HasPrefix(f.msg.Payload, []byte("U ")):
			seq = append(seq, "REQ")
		case f.from == "server" && f.msg.Role == transport.RoleAck && len(seq) == 2:
			seq = append(seq, "ACK")
		case f.from == "server" && f.msg.Role.IsData() && string(f.msg.Payload) == protocol.ReadyTag:
			seq = append(seq, "READY")
		}
	}
	require.GreaterOrEqual(t, len(seq), 4)
	assert.Equal(t, []string{"HS", "REQ", "ACK", "READY"}, seq[:4])
}

// 回退 N 步下载，第 2 个块首次发送丢失，由一次超时重传恢复
func TestDownloadGoBackNTimeoutRecovery(t *testing.T) {
	cfg := testConnConfig()
	cfg.WindowSize = 4
	cfg.RTO = 200 * time.Millisecond
	cfg.FastRetransmitThreshold = 0
	env := newTestEnv(t, envOptions{conn: cfg})

	data := randomBytes(6*1024 - 100)
	env.storeFile(t, "six.bin", data)
	second := data[1024:2048]

	var dropped int32
	env.tap.drop = func(from string, m *transport.Message) bool {
		return from == "server" && m.Role.IsData() && bytes.Equal(m.Payload, second) &&
			atomic.CompareAndSwapInt32(&dropped, 0, 1)
	}

	res := env.client.Download(env.ctx(t), "six.bin")
	require.True(t, res.OK, "%v", res.Err)
	assert.Equal(t, digestOf(data), res.Digest)

	got, err := os.ReadFile(filepath.Join(env.outDir, "six.bin"))
	require.NoError(t, err)
	assert.Equal(t, data, got)

	srv := env.rec.wait(t)
	require.True(t, srv.OK, "%v", srv.Err)
	assert.Equal(t, protocol.OpDownload, srv.Op)
	assert.Equal(t, uint64(1), srv.Stats.TimeoutRetransmits)
	assert.Zero(t, srv.Stats.FastRetransmits)
	assert.Equal(t, int32(1), atomic.LoadInt32(&dropped))
}

// 同样的丢包由快速重传恢复，不等待超时
func TestDownloadGoBackNFastRetransmit(t *testing.T) {
	cfg := testConnConfig()
	cfg.WindowSize = 4
	cfg.RTO = 3 * time.Second
	env := newTestEnv(t, envOptions{conn: cfg})

	data := randomBytes(6*1024 - 100)
	env.storeFile(t, "six.bin", data)
	second := data[1024:2048]

	var dropped int32
	env.tap.drop = func(from string, m *transport.Message) bool {
		return from == "server" && m.Role.IsData() && bytes.Equal(m.Payload, second) &&
			atomic.CompareAndSwapInt32(&dropped, 0, 1)
	}

	start := time.Now()
	res := env.client.Download(env.ctx(t), "six.bin")
	require.True(t, res.OK, "%v", res.Err)
	assert.Less(t, time.Since(start), cfg.RTO)

	got, err := os.ReadFile(filepath.Join(env.outDir, "six.bin"))
	require.NoError(t, err)
	assert.Equal(t, data, got)

	srv := env.rec.wait(t)
	assert.Equal(t, uint64(1), srv.Stats.FastRetransmits)
	assert.Zero(t, srv.Stats.TimeoutRetransmits)
}

// 下载不存在的文件
func TestDownloadFileNotFound(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	res := env.client.Download(env.ctx(t), "missing.txt")
	require.False(t, res.OK)
	assert.Equal(t, protocol.KindFileNotFound, res.Kind)
	assert.ErrorIs(t, res.Err, protocol.ErrFileNotFound)

	srv := env.rec.wait(t)
	assert.Equal(t, protocol.KindFileNotFound, srv.Kind)

	// 服务端唯一的数据消息是错误应答，没有文件数据
	var payloads []string
	for _, f := range env.tap.snapshot() {
		if f.from == "server" && f.msg.Role.IsData() {
			payloads = append(payloads, string(f.msg.Payload))
		}
	}
	assert.Equal(t, []string{"E_FILE_NOT_FOUND"}, payloads)
	assert.NoFileExists(t, filepath.Join(env.outDir, "missing.txt"))
	assert.NoFileExists(t, filepath.Join(env.outDir, "missing.txt"+storage.PartSuffix))
}

// 上传已存在的文件
func TestUploadFileAlreadyExists(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	env.storeFile(t, "taken.txt", []byte("original"))
	src := env.sourceFile(t, "taken.txt", randomBytes(5000))

	res := env.client.Upload(env.ctx(t), src, "")
	require.False(t, res.OK)
	assert.Equal(t, protocol.KindFileAlreadyExists, res.Kind)
	assert.Zero(t, res.Bytes)

	srv := env.rec.wait(t)
	assert.Equal(t, protocol.KindFileAlreadyExists, srv.Kind)

	// 客户端只发送了请求
	assert.Equal(t, 1, env.tap.count("client", isData))

	stored, err := os.ReadFile(filepath.Join(env.store.Dir(), "taken.txt"))
	require.NoError(t, err)
	assert.Equal(t, []byte("original"), stored)
}

// =============================================================================
// 其他流程
// =============================================================================

func TestUploadTooLargeForServer(t *testing.T) {
	env := newTestEnv(t, envOptions{maxFileSize: 1000, clientMax: 1 << 20})
	src := env.sourceFile(t, "big.bin", randomBytes(2000))

	res := env.client.Upload(env.ctx(t), src, "")
	assert.Equal(t, protocol.KindFileTooLarge, res.Kind)

	srv := env.rec.wait(t)
	assert.Equal(t, protocol.KindFileTooLarge, srv.Kind)
	assert.NoFileExists(t, filepath.Join(env.store.Dir(), "big.bin"+storage.PartSuffix))
}

func TestUploadTooLargeLocally(t *testing.T) {
	env := newTestEnv(t, envOptions{maxFileSize: 1000})
	src := env.sourceFile(t, "big.bin", randomBytes(2000))

	res := env.client.Upload(env.ctx(t), src, "")
	assert.Equal(t, protocol.KindFileTooLarge, res.Kind)

	// 本地检查失败，不发起连接
	assert.Empty(t, env.tap.snapshot())
}

func TestUploadMissingLocalFile(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	res := env.client.Upload(env.ctx(t), filepath.Join(env.srcDir, "nope"), "")
	assert.Equal(t, protocol.KindFileNotFound, res.Kind)
	assert.Empty(t, env.tap.snapshot())
}

func TestDownloadLocalFileExists(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	env.storeFile(t, "dup.txt", []byte("server"))
	require.NoError(t, os.MkdirAll(env.outDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(env.outDir, "dup.txt"), []byte("local"), 0644))

	res := env.client.Download(env.ctx(t), "dup.txt")
	assert.Equal(t, protocol.KindFileAlreadyExists, res.Kind)
	assert.Empty(t, env.tap.snapshot())
}

func TestBadFilename(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	res := env.client.Download(env.ctx(t), "../etc/passwd")
	assert.Equal(t, protocol.KindBadRequest, res.Kind)

	src := env.sourceFile(t, "ok.txt", []byte("x"))
	res = env.client.Upload(env.ctx(t), src, "a/b")
	assert.Equal(t, protocol.KindBadRequest, res.Kind)
	assert.Empty(t, env.tap.snapshot())
}

func TestEmptyFileRoundTrip(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	src := env.sourceFile(t, "empty", nil)

	res := env.client.Upload(env.ctx(t), src, "")
	require.True(t, res.OK, "%v", res.Err)
	require.True(t, env.rec.wait(t).OK)

	// 空文件以一个空的 LAST 发送
	var lasts int
	for _, f := range env.tap.snapshot() {
		if f.from == "client" && f.msg.Role == transport.RoleLast {
			assert.Empty(t, f.msg.Payload)
			lasts++
		}
	}
	assert.Equal(t, 1, lasts)

	res = env.client.Download(env.ctx(t), "empty")
	require.True(t, res.OK, "%v", res.Err)
	info, err := os.Stat(filepath.Join(env.outDir, "empty"))
	require.NoError(t, err)
	assert.Zero(t, info.Size())
}

func TestUploadThenDownloadLossy(t *testing.T) {
	cfg := testConnConfig()
	cfg.RTO = 50 * time.Millisecond
	cfg.MaxRetransmits = 20
	env := newTestEnv(t, envOptions{conn: cfg})

	// 丢弃约 10% 的数据与确认，握手除外
	rng := rand.New(rand.NewSource(42))
	var mu sync.Mutex
	env.tap.drop = func(from string, m *transport.Message) bool {
		if m.Role == transport.RoleHandshake {
			return false
		}
		mu.Lock()
		defer mu.Unlock()
		return rng.Intn(10) == 0
	}

	data := randomBytes(40 * 1024)
	src := env.sourceFile(t, "lossy.bin", data)

	res := env.client.Upload(env.ctx(t), src, "")
	require.True(t, res.OK, "%v", res.Err)
	srv := env.rec.wait(t)
	require.True(t, srv.OK, "%v", srv.Err)

	res = env.client.Download(env.ctx(t), "lossy.bin")
	require.True(t, res.OK, "%v", res.Err)
	assert.Equal(t, digestOf(data), res.Digest)

	got, err := os.ReadFile(filepath.Join(env.outDir, "lossy.bin"))
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestJournalRecordsTransfers(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	src := env.sourceFile(t, "logged.txt", []byte("journal me"))

	require.True(t, env.client.Upload(env.ctx(t), src, "").OK)
	env.rec.wait(t)
	env.client.Download(env.ctx(t), "absent")
	env.rec.wait(t)

	entries, err := env.journal.Recent(0)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, "download", entries[0].Op)
	assert.Equal(t, protocol.KindFileNotFound.String(), entries[0].Result)
	assert.NotEmpty(t, entries[0].Error)

	assert.Equal(t, "upload", entries[1].Op)
	assert.Equal(t, "ok", entries[1].Result)
	assert.Equal(t, int64(len("journal me")), entries[1].Bytes)
	assert.Equal(t, storage.DigestHex(digestOf([]byte("journal me"))), entries[1].Digest)
	assert.Equal(t, "client", entries[1].Peer)
}

func TestDownloadCancelled(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	env.storeFile(t, "slow.bin", randomBytes(4096))

	// 服务端的数据全部丢失
	env.tap.drop = func(from string, m *transport.Message) bool {
		return from == "server" && m.Role.IsData()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	res := env.client.Download(ctx, "slow.bin")
	require.False(t, res.OK)
	assert.True(t, res.TimedOut())
	assert.NoFileExists(t, filepath.Join(env.outDir, "slow.bin"))
}

func TestDownloadCancelledMidStreamRemovesPart(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	env.storeFile(t, "big.bin", randomBytes(8192))

	// 就绪应答与第一块送达，之后服务端的数据全部丢失
	env.tap.drop = func(from string, m *transport.Message) bool {
		return from == "server" && m.Role.IsData() && m.Seq >= 2
	}

	part := filepath.Join(env.outDir, "big.bin") + storage.PartSuffix
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan *Result, 1)
	go func() { done <- env.client.Download(ctx, "big.bin") }()

	require.Eventually(t, func() bool {
		_, err := os.Stat(part)
		return err == nil
	}, waitTimeout, 10*time.Millisecond)
	cancel()

	var res *Result
	select {
	case res = <-done:
	case <-time.After(waitTimeout):
		t.Fatal("下载未结束")
	}
	require.False(t, res.OK)
	assert.Equal(t, protocol.KindTransferFailed, res.Kind)
	assert.ErrorIs(t, res.Err, context.Canceled)
	assert.NoFileExists(t, part)
	assert.NoFileExists(t, filepath.Join(env.outDir, "big.bin"))
}

func TestDownloadLeftoverPartFile(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	env.storeFile(t, "f.bin", []byte("server"))
	require.NoError(t, os.MkdirAll(env.outDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(env.outDir, "f.bin")+storage.PartSuffix, []byte("half"), 0644))

	res := env.client.Download(env.ctx(t), "f.bin")
	assert.Equal(t, protocol.KindFileAlreadyExists, res.Kind)
	assert.Empty(t, env.tap.snapshot(), "本地检查失败时不应拨号")
}

func TestSequentialTransfersReuseAddress(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	for i, name := range []string{"one", "two", "three"} {
		data := randomBytes(1500 + i)
		src := env.sourceFile(t, name, data)

		res := env.client.Upload(env.ctx(t), src, "")
		require.True(t, res.OK, "%s: %v", name, res.Err)
		require.True(t, env.rec.wait(t).OK)
	}

	for _, name := range []string{"one", "two", "three"} {
		res := env.client.Download(env.ctx(t), name)
		require.True(t, res.OK, "%s: %v", name, res.Err)
		env.rec.wait(t)
	}

	stats := env.server.GetStats()
	assert.Equal(t, uint64(3), stats["uploads"])
	assert.Equal(t, uint64(3), stats["downloads"])

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, env.client.Close(ctx))
}
