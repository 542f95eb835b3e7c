package classifier

import (
	"regexp"
	"strings"
)

// Cue detection is deterministic and language-aware: English cues match on
// word boundaries, Chinese cues on substrings.
var (
	tableCuesEN   = regexp.MustCompile(`(?i)\b(table|tables|list|lists|spreadsheet|csv|excel|column|columns|row|rows|sum|total|average|how many|count of|statistics|aggregate|meter|metering|kwh|reading|readings)\b`)
	graphCuesEN   = regexp.MustCompile(`(?i)\b(relationship|relationships|relation|relations|related|relates|connection|connections|connected|linked|links|ties|associated|ally|allies|enemy|enemies|friend|friends|family|married|interact|interacts)\b`)
	complexCuesEN = regexp.MustCompile(`(?i)\b(compare|comparison|contrast|analyze|analyse|analysis|evaluate|assess|explain why|why does|why did|difference|differences|pros and cons|trade-?offs?|impact|implications|synthesize|summarize)\b`)

	tableCuesZH   = []string{"表格", "列表", "清单", "统计", "汇总", "平均", "总计", "合计", "电表", "读数", "电量"}
	graphCuesZH   = []string{"关系", "联系", "关联", "相连", "亲属", "盟友", "敌人"}
	complexCuesZH = []string{"比较", "分析", "评估", "为什么", "区别", "差异", "影响", "总结"}
)

// Cues are the deterministic signals used by classification and by the
// router's force and safety-net rules.
type Cues struct {
	Table   bool
	Graph   bool
	Complex bool
}

// DetectCues scans a query for strategy cues in English and Chinese.
func DetectCues(query string) Cues {
	return Cues{
		Table:   tableCuesEN.MatchString(query) || containsAny(query, tableCuesZH),
		Graph:   graphCuesEN.MatchString(query) || containsAny(query, graphCuesZH),
		Complex: complexCuesEN.MatchString(query) || containsAny(query, complexCuesZH),
	}
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
