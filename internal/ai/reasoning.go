package ai

import "strings"

const (
	thinkOpenTag  = "<think>"
	thinkCloseTag = "</think>"
)

// thinkExtractor 从流式文本中剥离 <think>...</think> 推理片段
// 标签可能被任意切分到多个 chunk，结尾与标签前缀重叠的部分会被暂存到
// 下一次 feed
type thinkExtractor struct {
	pending string
	inThink bool
}

// feed 输入一个文本增量，返回其中的推理增量与正文增量
func (x *thinkExtractor) feed(chunk string) (reasoning, text string) {
	x.pending += chunk

	var rOut, tOut strings.Builder
	for {
		if x.inThink {
			if i := strings.Index(x.pending, thinkCloseTag); i >= 0 {
				rOut.WriteString(x.pending[:i])
				x.pending = x.pending[i+len(thinkCloseTag):]
				x.inThink = false
				continue
			}
			keep := partialTagSuffix(x.pending, thinkCloseTag)
			rOut.WriteString(x.pending[:len(x.pending)-keep])
			x.pending = x.pending[len(x.pending)-keep:]
			break
		}

		if i := strings.Index(x.pending, thinkOpenTag); i >= 0 {
			tOut.WriteString(x.pending[:i])
			x.pending = x.pending[i+len(thinkOpenTag):]
			x.inThink = true
			continue
		}
		keep := partialTagSuffix(x.pending, thinkOpenTag)
		tOut.WriteString(x.pending[:len(x.pending)-keep])
		x.pending = x.pending[len(x.pending)-keep:]
		break
	}

	return rOut.String(), tOut.String()
}

// flush 流结束时吐出残留文本（未闭合的 think 视为推理内容）
func (x *thinkExtractor) flush() (reasoning, text string) {
	p := x.pending
	x.pending = ""
	if x.inThink {
		return p, ""
	}
	return "", p
}

// partialTagSuffix 返回 s 结尾与 tag 前缀重叠的最大长度
func partialTagSuffix(s, tag string) int {
	max := len(tag) - 1
	if max > len(s) {
		max = len(s)
	}
	for n := max; n > 0; n-- {
		if strings.HasSuffix(s, tag[:n]) {
			return n
		}
	}
	return 0
}
