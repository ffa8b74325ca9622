package webhook

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// KeyAuthorizer confirms that an app key is allowed to sign events for fid.
type KeyAuthorizer interface {
	Authorize(ctx context.Context, fid int64, key ed25519.PublicKey) error
}

type KeyAuthorizerFunc func(ctx context.Context, fid int64, key ed25519.PublicKey) error

func (f KeyAuthorizerFunc) Authorize(ctx context.Context, fid int64, key ed25519.PublicKey) error {
	return f(ctx, fid, key)
}

type Options struct {
	VerifySignature bool
	Authorizer      KeyAuthorizer
}

type Decoder struct {
	verifySignature bool
	authorizer      KeyAuthorizer
	logger          *zap.Logger
}

func NewDecoder(opts Options, logger *zap.Logger) *Decoder {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Decoder{
		verifySignature: opts.VerifySignature,
		authorizer:      opts.Authorizer,
		logger:          logger,
	}
}

func (d *Decoder) Decode(ctx context.Context, env Envelope) (*Event, error) {
	if strings.TrimSpace(env.Header) == "" || strings.TrimSpace(env.Payload) == "" {
		return nil, fmt.Errorf("%w: header and payload are required", ErrMalformed)
	}

	var h header
	if err := decodeSegment(env.Header, &h); err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrMalformed, err)
	}

	var p payload
	if err := decodeSegment(env.Payload, &p); err != nil {
		return nil, fmt.Errorf("%w: payload: %v", ErrMalformed, err)
	}

	rawKind := p.kind()
	if rawKind == "" {
		return nil, fmt.Errorf("%w: event type is required", ErrMalformed)
	}
	kind, ok := ParseEventKind(rawKind)
	if !ok {
		return nil, fmt.Errorf("%w: unknown event type %q", ErrMalformed, rawKind)
	}

	fid, err := d.resolveFID(h, p)
	if err != nil {
		return nil, err
	}

	if d.verifySignature {
		key, err := d.verify(env, h)
		if err != nil {
			d.logger.Warn("webhook signature rejected",
				zap.Int64("fid", fid),
				zap.String("event", string(kind)),
				zap.Error(err),
			)
			return nil, err
		}
		if d.authorizer != nil {
			if err := d.authorizer.Authorize(ctx, fid, key); err != nil {
				return nil, fmt.Errorf("%w: key not authorized for fid %d: %v", ErrSignature, fid, err)
			}
		}
	}

	if p.NotificationDetails != nil && strings.TrimSpace(p.NotificationDetails.URL) == "" {
		p.NotificationDetails = nil
	}

	return &Event{
		Kind:                kind,
		FID:                 fid,
		Key:                 h.Key,
		NotificationDetails: p.NotificationDetails,
	}, nil
}

// resolveFID picks the event's fid. Unsigned envelopes must carry data.fid. Signed
// envelopes use the header fid covered by the signature; a data.fid that disagrees
// with it is rejected.
func (d *Decoder) resolveFID(h header, p payload) (int64, error) {
	var dataFID int64
	if p.Data != nil {
		dataFID = p.Data.FID
	}

	if !d.verifySignature {
		if dataFID <= 0 {
			return 0, fmt.Errorf("%w: data.fid is required", ErrMalformed)
		}
		return dataFID, nil
	}

	if h.FID <= 0 {
		return 0, fmt.Errorf("%w: header fid is required", ErrMalformed)
	}
	if dataFID > 0 && dataFID != h.FID {
		return 0, fmt.Errorf("%w: data.fid %d does not match header fid %d", ErrMalformed, dataFID, h.FID)
	}
	return h.FID, nil
}

func (d *Decoder) verify(env Envelope, h header) (ed25519.PublicKey, error) {
	key, err := parsePublicKey(h.Key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSignature, err)
	}

	if strings.TrimSpace(env.Signature) == "" {
		return nil, fmt.Errorf("%w: signature is required", ErrSignature)
	}
	sig, err := decodeBase64(env.Signature)
	if err != nil {
		return nil, fmt.Errorf("%w: signature encoding: %v", ErrSignature, err)
	}

	message := []byte(env.Header + "." + env.Payload)
	if !ed25519.Verify(key, message, sig) {
		return nil, fmt.Errorf("%w: signature does not match", ErrSignature)
	}
	return key, nil
}

func parsePublicKey(s string) (ed25519.PublicKey, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	if s == "" {
		return nil, fmt.Errorf("app key is required")
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("app key is not hex: %v", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("app key has %d bytes, want %d", len(raw), ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(raw), nil
}

func decodeSegment(segment string, out any) error {
	raw, err := decodeBase64(segment)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

var encodings = []*base64.Encoding{
	base64.RawURLEncoding,
	base64.URLEncoding,
	base64.RawStdEncoding,
	base64.StdEncoding,
}

func decodeBase64(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	var lastErr error
	for _, enc := range encodings {
		raw, err := enc.DecodeString(s)
		if err == nil {
			return raw, nil
		}
		lastErr = err
	}
	return nil, lastErr
}
