package ai

import (
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

func TestThinkExtractor(t *testing.T) {
	Convey("thinkExtractor 剥离推理片段", t, func() {
		Convey("完整标签在单个 chunk 内", func() {
			x := &thinkExtractor{}
			reasoning, text := x.feed("<think>let me see</think>The answer is 42.")
			So(reasoning, ShouldEqual, "let me see")
			So(text, ShouldEqual, "The answer is 42.")
		})

		Convey("标签被切分到多个 chunk", func() {
			x := &thinkExtractor{}
			var reasoning, text string

			r, tx := x.feed("Hello <th")
			reasoning, text = reasoning+r, text+tx
			r, tx = x.feed("ink>secret</thi")
			reasoning, text = reasoning+r, text+tx
			r, tx = x.feed("nk> world")
			reasoning, text = reasoning+r, text+tx
			r, tx = x.flush()
			reasoning, text = reasoning+r, text+tx

			So(reasoning, ShouldEqual, "secret")
			So(text, ShouldEqual, "Hello  world")
		})

		Convey("没有标签时全部是正文", func() {
			x := &thinkExtractor{}
			reasoning, text := x.feed("plain text")
			r, tx := x.flush()
			So(reasoning+r, ShouldEqual, "")
			So(text+tx, ShouldEqual, "plain text")
		})

		Convey("未闭合的 think 在 flush 时归入推理", func() {
			x := &thinkExtractor{}
			reasoning, text := x.feed("<think>still thinking")
			r, tx := x.flush()
			So(reasoning+r, ShouldEqual, "still thinking")
			So(text+tx, ShouldEqual, "")
		})

		Convey("形似标签前缀的正文不会丢失", func() {
			x := &thinkExtractor{}
			_, text1 := x.feed("a < b")
			_, text2 := x.feed(" and c")
			r, tx := x.flush()
			So(r, ShouldEqual, "")
			So(text1+text2+tx, ShouldEqual, "a < b and c")
		})
	})
}
