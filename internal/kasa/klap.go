package kasa

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"smartplug_control/internal/logger"
	"smartplug_control/internal/models"
	"smartplug_control/internal/worker"

	"github.com/pkg/errors"
)

// KlapPort is the HTTP port newer firmware listens on.
const KlapPort = 80

const (
	klapCookieName = "TP_SESSIONID"
	klapSessionTTL = 23 * time.Hour
	klapSigSize    = sha256.Size
)

// errForbidden marks a request the device rejected with 403; the session is stale.
var errForbidden = errors.New("device rejected session")

// Credentials authenticate against modern firmware.
type Credentials struct {
	Username string
	Password string
}

// KlapOptions tunes the KLAP transport.
type KlapOptions struct {
	Port        int
	Timeout     time.Duration
	Credentials Credentials
	Client      *http.Client
	Store       DeviceConfigStore
}

// KlapTransport talks to modern firmware over the KLAP v2 protocol. Every
// exchange runs on the worker loop, so sessions are only touched from that
// goroutine and callers block on the result.
type KlapTransport struct {
	loop     *worker.Loop
	client   *http.Client
	port     int
	creds    Credentials
	children *childIndex
	log      *logger.Logger

	sessions map[string]*klapSession
}

// NewKlapTransport binds the transport to loop. The caller owns the loop.
func NewKlapTransport(loop *worker.Loop, opts KlapOptions, log *logger.Logger) *KlapTransport {
	if opts.Port == 0 {
		opts.Port = KlapPort
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: opts.Timeout}
	}
	return &KlapTransport{
		loop:     loop,
		client:   opts.Client,
		port:     opts.Port,
		creds:    opts.Credentials,
		children: newChildIndex(opts.Store, models.ProtocolKLAP, opts.Port, log),
		log:      log,
		sessions: make(map[string]*klapSession),
	}
}

// Send implements Transport.
func (t *KlapTransport) Send(ctx context.Context, addr Address, cmd Command) Response {
	if addr.Child > 0 {
		id, err := t.children.lookup(ctx, addr, t.sysInfo)
		if err != nil {
			t.warn("klap_child_lookup_failed", addr.String(), err)
			return Unreachable()
		}
		cmd = cmd.WithChild(id)
	}
	resp, err := t.request(ctx, addr.Host, cmd)
	if err != nil {
		t.warn("klap_send_failed", addr.String(), err)
		return Unreachable()
	}
	return resp
}

// Discover performs a handshake and a get_sysinfo against host. Success means
// the device speaks KLAP with the configured (or blank) credentials.
func (t *KlapTransport) Discover(ctx context.Context, host string) (models.DeviceConfig, error) {
	resp, err := t.sysInfo(ctx, host)
	if err != nil {
		return models.DeviceConfig{}, err
	}
	return models.DeviceConfig{
		Key:          host,
		Host:         host,
		Port:         t.port,
		Protocol:     models.ProtocolKLAP,
		DeviceID:     LookupString(resp, "", "system", "get_sysinfo", "deviceId"),
		Model:        LookupString(resp, "", "system", "get_sysinfo", "model"),
		ChildIDs:     ChildIDs(resp),
		DiscoveredAt: time.Now().UTC(),
	}, nil
}

func (t *KlapTransport) sysInfo(ctx context.Context, host string) (Response, error) {
	return t.request(ctx, host, SysInfo())
}

func (t *KlapTransport) warn(event, addr string, err error) {
	if t.log != nil {
		t.log.Warnw(event, "address", addr, "error", err)
	}
}

func (t *KlapTransport) request(ctx context.Context, host string, cmd Command) (Response, error) {
	payload, err := cmd.Bytes()
	if err != nil {
		return nil, errors.Wrap(err, "marshal command")
	}
	return worker.Do(ctx, t.loop, func(context.Context) (Response, error) {
		body, err := t.exchange(ctx, host, payload)
		if errors.Is(err, errForbidden) {
			delete(t.sessions, host)
			body, err = t.exchange(ctx, host, payload)
		}
		if err != nil {
			delete(t.sessions, host)
			return nil, err
		}
		var resp Response
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, errors.Wrapf(err, "decode reply from %s", host)
		}
		return resp, nil
	})
}

// exchange runs on the loop goroutine.
func (t *KlapTransport) exchange(ctx context.Context, host string, payload []byte) ([]byte, error) {
	s, ok := t.sessions[host]
	if !ok || time.Now().After(s.expires) {
		var err error
		if s, err = t.handshake(ctx, host); err != nil {
			return nil, err
		}
		t.sessions[host] = s
	}

	body, seq := s.encrypt(payload)
	reply, status, _, err := t.post(ctx, t.url(host, "/app/request?seq="+strconv.Itoa(int(seq))), body, s.cookie)
	if err != nil {
		return nil, err
	}
	if status == http.StatusForbidden {
		return nil, errForbidden
	}
	if status != http.StatusOK {
		return nil, errors.Errorf("request to %s: http %d", host, status)
	}
	return s.decrypt(reply, seq)
}

func (t *KlapTransport) handshake(ctx context.Context, host string) (*klapSession, error) {
	local := make([]byte, 16)
	if _, err := rand.Read(local); err != nil {
		return nil, errors.Wrap(err, "local seed")
	}

	reply, status, cookie, err := t.post(ctx, t.url(host, "/app/handshake1"), local, nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, errors.Errorf("handshake1 with %s: http %d", host, status)
	}
	if len(reply) < 48 {
		return nil, errors.Errorf("handshake1 with %s: short reply (%d bytes)", host, len(reply))
	}
	remote, serverHash := reply[:16], reply[16:48]

	var auth []byte
	for _, c := range t.candidates() {
		a := AuthHash(c)
		if bytes.Equal(sha256Sum(local, remote, a), serverHash) {
			auth = a
			break
		}
	}
	if auth == nil {
		return nil, errors.Errorf("handshake1 with %s: credentials rejected", host)
	}

	_, status, _, err = t.post(ctx, t.url(host, "/app/handshake2"), sha256Sum(remote, local, auth), cookie)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, errors.Errorf("handshake2 with %s: http %d", host, status)
	}
	s := deriveSession(local, remote, auth)
	s.cookie = cookie
	s.expires = time.Now().Add(klapSessionTTL)
	return s, nil
}

// candidates lists configured credentials first, then blank ones.
func (t *KlapTransport) candidates() []Credentials {
	if t.creds == (Credentials{}) {
		return []Credentials{{}}
	}
	return []Credentials{t.creds, {}}
}

func (t *KlapTransport) url(host, path string) string {
	return "http://" + net.JoinHostPort(host, strconv.Itoa(t.port)) + path
}

func (t *KlapTransport) post(ctx context.Context, url string, body []byte, cookie *http.Cookie) ([]byte, int, *http.Cookie, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, 0, nil, errors.Wrap(err, "build request")
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	if cookie != nil {
		req.AddCookie(&http.Cookie{Name: cookie.Name, Value: cookie.Value})
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, 0, nil, errors.Wrapf(err, "post %s", url)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxFrameSize))
	if err != nil {
		return nil, resp.StatusCode, nil, errors.Wrapf(err, "read %s", url)
	}
	var sess *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == klapCookieName {
			sess = c
		}
	}
	if sess == nil {
		sess = cookie
	}
	return data, resp.StatusCode, sess, nil
}

// AuthHash is sha256(sha1(username) + sha1(password)).
func AuthHash(c Credentials) []byte {
	u := sha1.Sum([]byte(c.Username))
	p := sha1.Sum([]byte(c.Password))
	return sha256Sum(u[:], p[:])
}

func sha256Sum(parts ...[]byte) []byte {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil)
}

// klapSession holds the symmetric state derived from a completed handshake.
type klapSession struct {
	key     []byte // AES-128 key
	iv      []byte // 12 byte IV prefix
	sig     []byte // 28 byte signature key
	seq     int32
	cookie  *http.Cookie
	expires time.Time
}

func deriveSession(local, remote, auth []byte) *klapSession {
	ivFull := sha256Sum([]byte("iv"), local, remote, auth)
	return &klapSession{
		key: sha256Sum([]byte("lsk"), local, remote, auth)[:16],
		iv:  ivFull[:12],
		sig: sha256Sum([]byte("ldk"), local, remote, auth)[:28],
		seq: int32(binary.BigEndian.Uint32(ivFull[28:32])),
	}
}

func (s *klapSession) ivFor(seq int32) []byte {
	iv := make([]byte, 16)
	copy(iv, s.iv)
	binary.BigEndian.PutUint32(iv[12:], uint32(seq))
	return iv
}

func seqBytes(seq int32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, uint32(seq))
	return b
}

// encrypt advances the sequence and returns signature+ciphertext.
func (s *klapSession) encrypt(plain []byte) ([]byte, int32) {
	s.seq++
	return s.seal(plain, s.seq), s.seq
}

func (s *klapSession) seal(plain []byte, seq int32) []byte {
	block, _ := aes.NewCipher(s.key)
	padded := pkcs7Pad(plain, aes.BlockSize)
	ct := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, s.ivFor(seq)).CryptBlocks(ct, padded)
	sig := sha256Sum(s.sig, seqBytes(seq), ct)
	return append(sig, ct...)
}

func (s *klapSession) decrypt(body []byte, seq int32) ([]byte, error) {
	if len(body) < klapSigSize+aes.BlockSize || (len(body)-klapSigSize)%aes.BlockSize != 0 {
		return nil, errors.Errorf("malformed reply of %d bytes", len(body))
	}
	block, _ := aes.NewCipher(s.key)
	ct := body[klapSigSize:]
	plain := make([]byte, len(ct))
	cipher.NewCBCDecrypter(block, s.ivFor(seq)).CryptBlocks(plain, ct)
	return pkcs7Unpad(plain, aes.BlockSize)
}

func pkcs7Pad(b []byte, size int) []byte {
	n := size - len(b)%size
	out := make([]byte, len(b), len(b)+n)
	copy(out, b)
	return append(out, bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(b []byte, size int) ([]byte, error) {
	if len(b) == 0 || len(b)%size != 0 {
		return nil, fmt.Errorf("padding: length %d", len(b))
	}
	n := int(b[len(b)-1])
	if n == 0 || n > size || n > len(b) {
		return nil, fmt.Errorf("padding: bad pad byte %d", n)
	}
	for _, c := range b[len(b)-n:] {
		if int(c) != n {
			return nil, fmt.Errorf("padding: inconsistent")
		}
	}
	return b[:len(b)-n], nil
}
