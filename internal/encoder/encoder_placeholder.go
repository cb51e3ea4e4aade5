package encoder

// placeholderBackend stands in for the real libvpx binding when the
// binary isn't built with the cgo&&vpx tag. It exercises the full
// VideoEncoder contract — queueing, keyframe forcing, reconfiguration —
// without producing a real VP8 bitstream, mirroring the teacher's
// softwareEncoder passthrough in encoder_software.go.
type placeholderBackend struct {
	cfg Config
}

func newPlaceholderBackend(cfg Config) (encoderBackend, error) {
	return &placeholderBackend{cfg: cfg}, nil
}

func (p *placeholderBackend) Encode(pts int64, img ImageView, forceKeyframe bool) ([]EncodedFrame, error) {
	out := make([]byte, len(img.Data))
	copy(out, img.Data)
	return []EncodedFrame{{
		Bytes:    out,
		PTS:      pts,
		Keyframe: forceKeyframe,
	}}, nil
}

func (p *placeholderBackend) Close() error { return nil }

func (p *placeholderBackend) Name() string { return "placeholder" }
