package logger_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/angeloszaimis/api-gateway/pkg/logger"
)

var _ = Describe("Logger", func() {
	ctx := context.Background()

	Describe("New", func() {
		It("should create a stdout logger", func() {
			log := logger.New("info", false, "dev")
			Expect(log).NotTo(BeNil())
			Expect(log.Enabled(ctx, slog.LevelInfo)).To(BeTrue())
			Expect(log.Enabled(ctx, slog.LevelDebug)).To(BeFalse())
		})
	})

	DescribeTable("ParseLevel",
		func(name string, want slog.Level) {
			Expect(logger.ParseLevel(name)).To(Equal(want))
		},
		Entry("debug", "debug", slog.LevelDebug),
		Entry("info", "info", slog.LevelInfo),
		Entry("warn", "WARN", slog.LevelWarn),
		Entry("error", "error", slog.LevelError),
		Entry("unknown defaults to info", "verbose", slog.LevelInfo),
	)

	Describe("NewWithOptions", func() {
		var buf *bytes.Buffer

		BeforeEach(func() {
			buf = &bytes.Buffer{}
		})

		It("should write JSON in prod", func() {
			log := logger.NewWithOptions(logger.Options{Level: "info", Environment: "prod", Output: buf})
			log.Info("circuit opened", slog.String("policy", "orderServiceCircuitBreaker"))

			var record map[string]any
			Expect(json.Unmarshal(buf.Bytes(), &record)).To(Succeed())
			Expect(record).To(HaveKeyWithValue("msg", "circuit opened"))
			Expect(record).To(HaveKeyWithValue("environment", "prod"))
			Expect(record).To(HaveKeyWithValue("service", "api-gateway"))
			Expect(record).To(HaveKeyWithValue("policy", "orderServiceCircuitBreaker"))
		})

		It("should write text outside prod", func() {
			log := logger.NewWithOptions(logger.Options{Level: "info", Environment: "dev", Output: buf})
			log.Info("request forwarded")

			Expect(buf.String()).To(ContainSubstring("msg=\"request forwarded\""))
			Expect(buf.String()).To(ContainSubstring("environment=dev"))
		})

		It("should drop records below the level", func() {
			log := logger.NewWithOptions(logger.Options{Level: "warn", Environment: "dev", Output: buf})
			log.Info("ignored")
			Expect(buf.Len()).To(BeZero())

			log.Warn("kept")
			Expect(buf.String()).To(ContainSubstring("kept"))
		})

		It("should include the source when asked", func() {
			log := logger.NewWithOptions(logger.Options{Level: "info", AddSource: true, Environment: "dev", Output: buf})
			log.Info("with source")
			Expect(buf.String()).To(ContainSubstring("source="))
		})
	})
})
