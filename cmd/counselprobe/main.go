package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/counselsim/internal/protocol"
)

// counselprobe plays a scripted trainee against a running server: it grants
// the microphone, streams audio, feeds counselor utterances as recognition
// results and reports how long the simulated client takes to answer.

type options struct {
	baseURL     string
	apiKey      string
	scenario    string
	emotion     string
	wavPath     string
	turns       int
	chunkMS     int
	realtime    float64
	turnTimeout time.Duration
	connTimeout time.Duration
	record      bool
	texts       []string
	verbose     bool
}

type createSessionRequest struct {
	Scenario string `json:"scenario"`
	APIKey   string `json:"api_key,omitempty"`
	Emotion  string `json:"emotion,omitempty"`
}

type createSessionResponse struct {
	SessionID string `json:"session_id"`
}

type wsEnvelope struct {
	Type        string `json:"type"`
	State       string `json:"state,omitempty"`
	Action      string `json:"action,omitempty"`
	Role        string `json:"role,omitempty"`
	Text        string `json:"text,omitempty"`
	Code        string `json:"code,omitempty"`
	Detail      string `json:"detail,omitempty"`
	DownloadURL string `json:"download_url,omitempty"`
	SampleRate  int    `json:"sample_rate,omitempty"`
}

type audioClip struct {
	PCM16LE    []byte
	SampleRate int
}

type probeEvents struct {
	mediaRequest chan int
	connected    chan struct{}
	failed       chan string
	clientEntry  chan string
	recording    chan string
	readErr      chan error
}

func newProbeEvents() probeEvents {
	return probeEvents{
		mediaRequest: make(chan int, 1),
		connected:    make(chan struct{}, 1),
		failed:       make(chan string, 1),
		clientEntry:  make(chan string, 32),
		recording:    make(chan string, 1),
		readErr:      make(chan error, 1),
	}
}

var defaultUtterances = []string{
	"Hi, thanks for coming in today. What would you like to talk about?",
	"That sounds really hard. How long have you been feeling this way?",
	"What usually helps when it gets like that?",
	"Let's think about one small step you could take this week.",
}

func main() {
	cfg, err := parseFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "counselprobe: %v\n", err)
		os.Exit(2)
	}
	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "counselprobe: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags() (options, error) {
	var cfg options
	var textsRaw string
	var turnTimeoutMS int
	var connTimeoutMS int

	flag.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:8080", "server base URL")
	flag.StringVar(&cfg.apiKey, "api-key", os.Getenv("OPENAI_API_KEY"), "OpenAI key used to mint the session credential (optional when the server has one)")
	flag.StringVar(&cfg.scenario, "scenario", "I keep feeling overwhelmed at work and can't sleep.", "client scenario")
	flag.StringVar(&cfg.emotion, "emotion", "anxious", "initial client emotion")
	flag.StringVar(&cfg.wavPath, "wav", "", "optional 16-bit PCM WAV streamed as trainee audio (a tone is used otherwise)")
	flag.IntVar(&cfg.turns, "turns", 4, "number of counselor turns")
	flag.IntVar(&cfg.chunkMS, "chunk-ms", 40, "audio chunk size in milliseconds")
	flag.Float64Var(&cfg.realtime, "realtime", 1.0, "chunk pacing multiplier (1.0=realtime, 2.0=2x)")
	flag.IntVar(&turnTimeoutMS, "turn-timeout-ms", 20000, "timeout waiting for the client reply per turn in milliseconds")
	flag.IntVar(&connTimeoutMS, "connect-timeout-ms", 15000, "timeout waiting for the session to connect in milliseconds")
	flag.BoolVar(&cfg.record, "record", true, "record the session and download the artifact")
	flag.StringVar(&textsRaw, "texts", "", "counselor utterances separated by '|' (optional)")
	flag.BoolVar(&cfg.verbose, "verbose", true, "print progress")
	flag.Parse()

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if cfg.baseURL == "" {
		return options{}, fmt.Errorf("base-url is required")
	}
	if strings.TrimSpace(cfg.scenario) == "" {
		return options{}, fmt.Errorf("scenario is required")
	}
	if cfg.turns <= 0 {
		return options{}, fmt.Errorf("turns must be > 0")
	}
	if cfg.chunkMS < 10 || cfg.chunkMS > 2000 {
		return options{}, fmt.Errorf("chunk-ms must be in [10,2000]")
	}
	if cfg.realtime <= 0 {
		return options{}, fmt.Errorf("realtime must be > 0")
	}
	if turnTimeoutMS < 1000 {
		turnTimeoutMS = 1000
	}
	if connTimeoutMS < 1000 {
		connTimeoutMS = 1000
	}
	cfg.turnTimeout = time.Duration(turnTimeoutMS) * time.Millisecond
	cfg.connTimeout = time.Duration(connTimeoutMS) * time.Millisecond
	cfg.texts = splitUtterances(textsRaw)
	if len(cfg.texts) == 0 {
		return options{}, fmt.Errorf("texts produced no non-empty utterances")
	}
	return cfg, nil
}

func splitUtterances(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return append([]string(nil), defaultUtterances...)
	}
	var out []string
	for _, part := range strings.Split(raw, "|") {
		if t := strings.TrimSpace(part); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func run(cfg options) error {
	ctx, cancel := context.WithTimeout(context.Background(), 8*time.Minute)
	defer cancel()

	clip, err := loadClip(cfg.wavPath)
	if err != nil {
		return fmt.Errorf("prepare trainee audio: %w", err)
	}

	httpClient := &http.Client{Timeout: 45 * time.Second}
	sessionID, err := createSession(ctx, httpClient, cfg)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	defer func() {
		_ = endSession(context.Background(), httpClient, cfg.baseURL, sessionID)
	}()
	if cfg.verbose {
		fmt.Printf("counselprobe: session=%s turns=%d chunk_ms=%d realtime=%.2f\n", sessionID, cfg.turns, cfg.chunkMS, cfg.realtime)
	}

	wsURL, err := wsURLForSession(cfg.baseURL, sessionID)
	if err != nil {
		return fmt.Errorf("build ws URL: %w", err)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()

	ev := newProbeEvents()
	go readLoop(conn, ev, cfg.verbose)

	started := time.Now()
	if err := awaitConnected(conn, sessionID, ev, cfg.connTimeout); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	fmt.Printf("counselprobe: connected in %s\n", time.Since(started).Round(time.Millisecond))

	if err := sendControl(conn, sessionID, protocol.ActionRecognitionAvailable, "true"); err != nil {
		return fmt.Errorf("announce recognition: %w", err)
	}
	if cfg.record {
		if err := sendControl(conn, sessionID, protocol.ActionStartRecording, ""); err != nil {
			return fmt.Errorf("start recording: %w", err)
		}
	}

	seq := 0
	var replies []time.Duration
	for i := 0; i < cfg.turns; i++ {
		text := cfg.texts[i%len(cfg.texts)]
		if cfg.verbose {
			fmt.Printf("counselprobe: turn %d/%d counselor=%q\n", i+1, cfg.turns, text)
		}
		if err := sendTurnAudio(conn, sessionID, clip, cfg.chunkMS, cfg.realtime, &seq); err != nil {
			return fmt.Errorf("turn %d send audio: %w", i+1, err)
		}
		sent := time.Now()
		if err := sendRecognition(conn, sessionID, text); err != nil {
			return fmt.Errorf("turn %d send recognition: %w", i+1, err)
		}
		reply, err := awaitClientReply(ev, cfg.turnTimeout)
		if err != nil {
			return fmt.Errorf("turn %d await client reply: %w", i+1, err)
		}
		replies = append(replies, time.Since(sent))
		if cfg.verbose {
			fmt.Printf("counselprobe: turn %d client=%q after %s\n", i+1, reply, time.Since(sent).Round(time.Millisecond))
		}
	}

	if cfg.record {
		if err := sendControl(conn, sessionID, protocol.ActionStopRecording, ""); err != nil {
			return fmt.Errorf("stop recording: %w", err)
		}
		select {
		case link := <-ev.recording:
			n, err := download(ctx, httpClient, cfg.baseURL+link)
			if err != nil {
				return fmt.Errorf("download recording: %w", err)
			}
			fmt.Printf("counselprobe: recording %s (%d bytes)\n", link, n)
		case <-time.After(cfg.turnTimeout):
			return fmt.Errorf("recording_ready not received")
		}
	}

	if err := sendControl(conn, sessionID, protocol.ActionStop, "probe_complete"); err != nil {
		return fmt.Errorf("send stop: %w", err)
	}
	fmt.Printf("counselprobe: reply latency %s\n", summarize(replies))
	return nil
}

func loadClip(path string) (audioClip, error) {
	if strings.TrimSpace(path) == "" {
		return toneClip(8000, 1500*time.Millisecond, 220), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return audioClip{}, err
	}
	pcm, sampleRate, err := decodeWAVPCM16(data)
	if err != nil {
		return audioClip{}, fmt.Errorf("decode %s: %w", path, err)
	}
	return audioClip{PCM16LE: pcm, SampleRate: sampleRate}, nil
}

// toneClip is a quiet sine used when no recording is supplied.
func toneClip(sampleRate int, d time.Duration, freq float64) audioClip {
	n := int(d.Seconds() * float64(sampleRate))
	pcm := make([]byte, n*2)
	for i := 0; i < n; i++ {
		v := int16(3000 * math.Sin(2*math.Pi*freq*float64(i)/float64(sampleRate)))
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(v))
	}
	return audioClip{PCM16LE: pcm, SampleRate: sampleRate}
}

func createSession(ctx context.Context, client *http.Client, cfg options) (string, error) {
	payload, err := json.Marshal(createSessionRequest{
		Scenario: cfg.scenario,
		APIKey:   strings.TrimSpace(cfg.apiKey),
		Emotion:  cfg.emotion,
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.baseURL+"/v1/counsel/sessions", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if res.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("HTTP %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}

	var out createSessionResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", err
	}
	if strings.TrimSpace(out.SessionID) == "" {
		return "", fmt.Errorf("missing session_id in response")
	}
	return out.SessionID, nil
}

func endSession(ctx context.Context, client *http.Client, baseURL, sessionID string) error {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/v1/counsel/sessions/"+url.PathEscape(sessionID)+"/end", nil)
	if err != nil {
		return err
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 1<<20))
	return nil
}

func download(ctx context.Context, client *http.Client, link string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, link, nil)
	if err != nil {
		return 0, err
	}
	res, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("HTTP %d", res.StatusCode)
	}
	return io.Copy(io.Discard, res.Body)
}

func wsURLForSession(baseURL, sessionID string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base-url scheme %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", fmt.Errorf("base-url host is required")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/counsel/session/ws"
	q := u.Query()
	q.Set("session_id", sessionID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func readLoop(conn *websocket.Conn, ev probeEvents, verbose bool) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case ev.readErr <- err:
			default:
			}
			return
		}
		dispatch(data, ev, verbose)
	}
}

func dispatch(data []byte, ev probeEvents, verbose bool) {
	var env wsEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return
	}
	switch protocol.MessageType(env.Type) {
	case protocol.TypeMediaRequest:
		offer(ev.mediaRequest, env.SampleRate)
	case protocol.TypeSessionState:
		switch env.State {
		case "connected":
			offer(ev.connected, struct{}{})
		case "failed":
			offer(ev.failed, env.State)
		}
	case protocol.TypeTranscriptEntry:
		if env.Role == "client" {
			offer(ev.clientEntry, env.Text)
		}
	case protocol.TypeRecordingReady:
		offer(ev.recording, env.DownloadURL)
	case protocol.TypeErrorEvent:
		if verbose {
			fmt.Fprintf(os.Stderr, "counselprobe: error_event code=%s detail=%s\n", env.Code, env.Detail)
		}
	case protocol.TypeSystemEvent:
		if verbose {
			fmt.Printf("counselprobe: system_event code=%s\n", env.Code)
		}
	}
}

func offer[T any](ch chan T, v T) {
	select {
	case ch <- v:
	default:
	}
}

func awaitConnected(conn *websocket.Conn, sessionID string, ev probeEvents, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-ev.mediaRequest:
			if err := sendControl(conn, sessionID, protocol.ActionMicGranted, ""); err != nil {
				return err
			}
		case <-ev.connected:
			return nil
		case state := <-ev.failed:
			return fmt.Errorf("session %s", state)
		case err := <-ev.readErr:
			return err
		case <-timer.C:
			return fmt.Errorf("timeout after %s", timeout)
		}
	}
}

func awaitClientReply(ev probeEvents, timeout time.Duration) (string, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case text := <-ev.clientEntry:
		return text, nil
	case err := <-ev.readErr:
		return "", err
	case <-timer.C:
		return "", fmt.Errorf("timeout after %s", timeout)
	}
}

func sendControl(conn *websocket.Conn, sessionID, action, value string) error {
	msg := protocol.ClientControl{
		Type:      protocol.TypeClientControl,
		SessionID: sessionID,
		Action:    action,
		Value:     value,
		TSMs:      time.Now().UnixMilli(),
	}
	if action == protocol.ActionStop {
		msg.Value = ""
		msg.Reason = value
	}
	return conn.WriteJSON(msg)
}

func sendRecognition(conn *websocket.Conn, sessionID, text string) error {
	return conn.WriteJSON(protocol.ClientRecognition{
		Type:      protocol.TypeClientRecognition,
		SessionID: sessionID,
		Text:      text,
		Final:     true,
		TSMs:      time.Now().UnixMilli(),
	})
}

func sendTurnAudio(conn *websocket.Conn, sessionID string, clip audioClip, chunkMS int, realtime float64, seq *int) error {
	sampleRate := clip.SampleRate
	if sampleRate <= 0 {
		sampleRate = 8000
	}
	for _, chunk := range chunkPCM(clip.PCM16LE, sampleRate, chunkMS) {
		*seq = *seq + 1
		msg := protocol.ClientAudioChunk{
			Type:        protocol.TypeClientAudioChunk,
			SessionID:   sessionID,
			Seq:         *seq,
			PCM16Base64: base64.StdEncoding.EncodeToString(chunk),
			SampleRate:  sampleRate,
			TSMs:        time.Now().UnixMilli(),
		}
		if err := conn.WriteJSON(msg); err != nil {
			return err
		}

		chunkDuration := time.Duration(float64(time.Duration(len(chunk))*time.Second/time.Duration(sampleRate*2)) / realtime)
		if chunkDuration <= 0 {
			chunkDuration = 10 * time.Millisecond
		}
		time.Sleep(chunkDuration)
	}
	return nil
}

// chunkPCM splits little-endian PCM16 into sample-aligned chunks of about
// chunkMS each.
func chunkPCM(pcm []byte, sampleRate, chunkMS int) [][]byte {
	bytesPerChunk := sampleRate * 2 * chunkMS / 1000
	if bytesPerChunk%2 != 0 {
		bytesPerChunk++
	}
	if bytesPerChunk < 2 {
		bytesPerChunk = 2
	}
	var out [][]byte
	for off := 0; off+1 < len(pcm); {
		end := off + bytesPerChunk
		if end > len(pcm) {
			end = len(pcm) - (len(pcm)-off)%2
		}
		out = append(out, pcm[off:end])
		off = end
	}
	return out
}

func summarize(d []time.Duration) string {
	if len(d) == 0 {
		return "n/a"
	}
	var sum, worst time.Duration
	for _, v := range d {
		sum += v
		if v > worst {
			worst = v
		}
	}
	return fmt.Sprintf("avg=%s max=%s n=%d", (sum / time.Duration(len(d))).Round(time.Millisecond), worst.Round(time.Millisecond), len(d))
}

func decodeWAVPCM16(data []byte) ([]byte, int, error) {
	if len(data) < 12 {
		return nil, 0, fmt.Errorf("wav too short")
	}
	if string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, 0, fmt.Errorf("unsupported wav header")
	}

	var (
		haveFmt     bool
		audioFormat uint16
		channels    uint16
		sampleRate  int
		bitsPerSamp uint16
		pcmData     []byte
	)
	for off := 12; off+8 <= len(data); {
		id := string(data[off : off+4])
		size := int(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		off += 8
		if size < 0 || off+size > len(data) {
			return nil, 0, fmt.Errorf("invalid wav chunk size")
		}
		chunk := data[off : off+size]
		switch id {
		case "fmt ":
			if len(chunk) < 16 {
				return nil, 0, fmt.Errorf("invalid wav fmt chunk")
			}
			audioFormat = binary.LittleEndian.Uint16(chunk[0:2])
			channels = binary.LittleEndian.Uint16(chunk[2:4])
			sampleRate = int(binary.LittleEndian.Uint32(chunk[4:8]))
			bitsPerSamp = binary.LittleEndian.Uint16(chunk[14:16])
			haveFmt = true
		case "data":
			pcmData = append(pcmData[:0], chunk...)
		}
		off += size
		if size%2 == 1 {
			off++
		}
	}
	if !haveFmt {
		return nil, 0, fmt.Errorf("wav fmt chunk missing")
	}
	if len(pcmData) == 0 {
		return nil, 0, fmt.Errorf("wav data chunk missing")
	}
	if audioFormat != 1 {
		return nil, 0, fmt.Errorf("unsupported wav audio format %d", audioFormat)
	}
	if bitsPerSamp != 16 {
		return nil, 0, fmt.Errorf("unsupported wav bits_per_sample %d", bitsPerSamp)
	}
	if channels == 0 {
		return nil, 0, fmt.Errorf("invalid wav channels=0")
	}
	if sampleRate <= 0 {
		sampleRate = 16000
	}

	if channels == 1 {
		if len(pcmData)%2 != 0 {
			pcmData = pcmData[:len(pcmData)-1]
		}
		return pcmData, sampleRate, nil
	}

	frameBytes := int(channels) * 2
	if frameBytes <= 0 || len(pcmData) < frameBytes {
		return nil, 0, fmt.Errorf("invalid wav frame bytes")
	}
	frameCount := len(pcmData) / frameBytes
	mono := make([]byte, frameCount*2)
	for i := 0; i < frameCount; i++ {
		base := i * frameBytes
		sum := 0
		for ch := 0; ch < int(channels); ch++ {
			s := int16(binary.LittleEndian.Uint16(pcmData[base+ch*2 : base+ch*2+2]))
			sum += int(s)
		}
		avg := int16(sum / int(channels))
		binary.LittleEndian.PutUint16(mono[i*2:i*2+2], uint16(avg))
	}
	return mono, sampleRate, nil
}
