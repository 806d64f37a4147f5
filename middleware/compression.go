package middleware

import (
	"bytes"
	"compress/gzip"
	"strings"
	"sync"

	"github.com/andybalholm/brotli"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/mealhall/mealhall-core/types"
	"github.com/mealhall/mealhall-core/utils"
)

const (
	algorithmGzip   = "gzip"
	algorithmBrotli = "br"

	defaultCompressionLevel = 6
	defaultThreshold        = 1024
	minCompressionRatio     = 0.05
)

type CompressionMiddleware struct {
	logger            types.Logger
	metrics           types.MetricsManager
	weight            int
	compressionConfig *CompressionConfig
	gzipWriterPool    sync.Pool
	brotliWriterPool  sync.Pool
	bufferPool        sync.Pool
}

type CompressionConfig struct {
	Level        int      `json:"level"`
	Threshold    int      `json:"threshold"`
	AllowedTypes []string `json:"allowed_types"`
}

func NewCompressionMiddleware(item *types.MiddlewareItemConfig, logger types.Logger, metrics types.MetricsManager) *CompressionMiddleware {
	compressionConfig := &CompressionConfig{
		Level:     defaultCompressionLevel,
		Threshold: defaultThreshold,
		AllowedTypes: []string{
			"application/json",
			"text/*",
		},
	}

	if item.Params != nil {
		if err := utils.UnmarshalConfig(item.Params, compressionConfig); err != nil {
			logger.Error("Failed to unmarshal compression middleware config", zap.Error(err))
		}
	}

	cm := &CompressionMiddleware{
		logger:            logger,
		metrics:           metrics,
		weight:            item.Weight,
		compressionConfig: compressionConfig,
	}

	cm.gzipWriterPool = sync.Pool{
		New: func() interface{} {
			writer, _ := gzip.NewWriterLevel(nil, compressionConfig.Level)
			return writer
		},
	}
	cm.brotliWriterPool = sync.Pool{
		New: func() interface{} {
			return brotli.NewWriterLevel(nil, compressionConfig.Level)
		},
	}
	cm.bufferPool = sync.Pool{
		New: func() interface{} {
			return bytes.NewBuffer(make([]byte, 0, 4096))
		},
	}

	return cm
}

func (c *CompressionMiddleware) Name() string { return "compression" }
func (c *CompressionMiddleware) Weight() int  { return c.weight }

func (c *CompressionMiddleware) Handle(ctx *fasthttp.RequestCtx, next func(*fasthttp.RequestCtx), _ *types.RouteConfig) {
	next(ctx)

	if len(ctx.Response.Header.Peek("Content-Encoding")) > 0 {
		return
	}

	algorithm := c.pickAlgorithm(ctx.Request.Header.Peek("Accept-Encoding"))
	if algorithm == "" {
		return
	}

	if !c.shouldCompress(ctx.Response.Header.ContentType()) {
		return
	}

	body := ctx.Response.Body()
	if len(body) < c.compressionConfig.Threshold {
		return
	}

	compressed, err := c.compress(body, algorithm)
	if err != nil {
		c.logger.Warn("compression failed", zap.String("algorithm", algorithm), zap.Error(err))
		return
	}

	// Skip the swap when compression barely helps; the decode cost on the
	// client is not free.
	ratio := float64(len(compressed)) / float64(len(body))
	if 1.0-ratio < minCompressionRatio {
		return
	}

	ctx.Response.Header.SetContentEncoding(algorithm)
	ctx.Response.Header.Add("Vary", "Accept-Encoding")
	ctx.Response.SetBody(compressed)
}

// pickAlgorithm prefers brotli when the client accepts it, falling back to
// gzip.
func (c *CompressionMiddleware) pickAlgorithm(acceptEncoding []byte) string {
	if len(acceptEncoding) == 0 {
		return ""
	}
	if bytes.Contains(acceptEncoding, []byte(algorithmBrotli)) {
		return algorithmBrotli
	}
	if bytes.Contains(acceptEncoding, []byte(algorithmGzip)) {
		return algorithmGzip
	}
	return ""
}

func (c *CompressionMiddleware) shouldCompress(contentType []byte) bool {
	if len(contentType) == 0 {
		return false
	}

	ct := string(contentType)
	if semicolon := strings.Index(ct, ";"); semicolon != -1 {
		ct = ct[:semicolon]
	}
	ct = strings.TrimSpace(strings.ToLower(ct))

	for _, allowed := range c.compressionConfig.AllowedTypes {
		if allowed == ct {
			return true
		}
		if strings.HasSuffix(allowed, "*") && strings.HasPrefix(ct, strings.TrimSuffix(allowed, "*")) {
			return true
		}
	}
	return false
}

func (c *CompressionMiddleware) compress(data []byte, algorithm string) ([]byte, error) {
	buf := c.bufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer c.bufferPool.Put(buf)

	switch algorithm {
	case algorithmBrotli:
		writer := c.brotliWriterPool.Get().(*brotli.Writer)
		writer.Reset(buf)
		if _, err := writer.Write(data); err != nil {
			c.brotliWriterPool.Put(writer)
			return nil, err
		}
		if err := writer.Close(); err != nil {
			c.brotliWriterPool.Put(writer)
			return nil, err
		}
		c.brotliWriterPool.Put(writer)
	default:
		writer := c.gzipWriterPool.Get().(*gzip.Writer)
		writer.Reset(buf)
		if _, err := writer.Write(data); err != nil {
			c.gzipWriterPool.Put(writer)
			return nil, err
		}
		if err := writer.Close(); err != nil {
			c.gzipWriterPool.Put(writer)
			return nil, err
		}
		c.gzipWriterPool.Put(writer)
	}

	return append([]byte(nil), buf.Bytes()...), nil
}
