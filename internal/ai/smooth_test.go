package ai

import (
	"strings"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

func TestWordSmoother(t *testing.T) {
	Convey("wordSmoother 按词边界整形文本增量", t, func() {
		Convey("跨 chunk 的单词不被裁断", func() {
			w := newWordSmoother()
			var out []string
			out = append(out, w.feed("Hello wor")...)
			out = append(out, w.feed("ld there")...)
			out = append(out, w.flush()...)

			So(strings.Join(out, ""), ShouldEqual, "Hello world there")
			for _, word := range out[:len(out)-1] {
				// 除最后一段外每段都以完整词结尾
				So(strings.HasSuffix(word, " "), ShouldBeTrue)
			}
		})

		Convey("输出拼接与输入完全一致（无重排无丢失）", func() {
			w := newWordSmoother()
			input := []string{"The qui", "ck brown ", "fox jumps", " over the lazy dog"}
			var out []string
			for _, chunk := range input {
				out = append(out, w.feed(chunk)...)
			}
			out = append(out, w.flush()...)
			So(strings.Join(out, ""), ShouldEqual, strings.Join(input, ""))
		})

		Convey("中文文本无损通过", func() {
			w := newWordSmoother()
			var out []string
			out = append(out, w.feed("今天天气")...)
			out = append(out, w.feed("真不错啊")...)
			out = append(out, w.flush()...)
			So(strings.Join(out, ""), ShouldEqual, "今天天气真不错啊")
		})

		Convey("中英混排走分词路径且无损", func() {
			w := newWordSmoother()
			input := []string{"Go 语言的", "并发模型 is", " elegant"}
			var out []string
			for _, chunk := range input {
				out = append(out, w.feed(chunk)...)
			}
			out = append(out, w.flush()...)
			So(strings.Join(out, ""), ShouldEqual, strings.Join(input, ""))
		})

		Convey("空输入无输出", func() {
			w := newWordSmoother()
			So(w.feed(""), ShouldBeNil)
			So(w.flush(), ShouldBeNil)
		})
	})
}
