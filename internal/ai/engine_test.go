package ai

import (
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	"pomelo/internal/config"
	"pomelo/internal/model"
)

func TestSamplingOptions(t *testing.T) {
	Convey("单次请求的采样参数覆盖配置默认值", t, func() {
		e := NewEngine(&config.AIConfig{
			Options: config.AIOptionsConfig{Temperature: 0.7, MaxTokens: 4096, TopP: 1.0},
		}, nil)

		Convey("无覆盖时沿用默认值", func() {
			got := e.samplingOptions(GenerateOptions{})
			So(got.Temperature, ShouldEqual, 0.7)
			So(got.MaxTokens, ShouldEqual, 4096)
			So(got.TopP, ShouldEqual, 1.0)
		})

		Convey("只覆盖非零字段", func() {
			got := e.samplingOptions(GenerateOptions{
				Options: &model.ChatOptions{Temperature: 0.2},
			})
			So(got.Temperature, ShouldEqual, 0.2)
			So(got.MaxTokens, ShouldEqual, 4096)
			So(got.TopP, ShouldEqual, 1.0)
		})

		Convey("全量覆盖", func() {
			got := e.samplingOptions(GenerateOptions{
				Options: &model.ChatOptions{Temperature: 0.1, MaxTokens: 128, TopP: 0.5},
			})
			So(got.Temperature, ShouldEqual, 0.1)
			So(got.MaxTokens, ShouldEqual, 128)
			So(got.TopP, ShouldEqual, 0.5)
		})

		Convey("覆盖不改动配置默认值", func() {
			_ = e.samplingOptions(GenerateOptions{
				Options: &model.ChatOptions{Temperature: 0.1},
			})
			So(e.cfg.Options.Temperature, ShouldEqual, 0.7)
		})
	})
}
