package quota

import (
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	"pomelo/internal/config"
)

func TestGate_Parse(t *testing.T) {
	Convey("Gate.Parse 把不可信 cookie 值钳制到合法区间", t, func() {
		g := NewGate(&config.QuotaConfig{FreeCredits: 10})

		Convey("缺失按全额处理", func() {
			So(g.Parse(""), ShouldEqual, 10)
		})

		Convey("非法值按全额处理", func() {
			So(g.Parse("abc"), ShouldEqual, 10)
		})

		Convey("超额钳制到上限", func() {
			So(g.Parse("9999"), ShouldEqual, 10)
		})

		Convey("负值钳制到零", func() {
			So(g.Parse("-3"), ShouldEqual, 0)
		})

		Convey("合法值原样返回", func() {
			So(g.Parse("4"), ShouldEqual, 4)
			So(g.Parse("0"), ShouldEqual, 0)
		})
	})

	Convey("未配置时使用默认额度", t, func() {
		g := NewGate(nil)
		So(g.Parse(""), ShouldEqual, 10)
		So(g.MaxAgeSeconds(), ShouldEqual, 7*24*3600)
	})
}
