package persona

import (
	"fmt"
	"strings"
)

// Persona captures the role-playing attributes of a character.
type Persona struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Title       string   `json:"title"`
	Tone        string   `json:"tone"`
	PromptHint  string   `json:"promptHint"`
	OpeningLine string   `json:"openingLine"`
	VoiceID     string   `json:"voiceId,omitempty"`     // 关联音色
	Description string   `json:"description,omitempty"` // 详细角色描述
	Background  string   `json:"background,omitempty"`  // 角色背景故事
	Traits      []string `json:"traits,omitempty"`      // 性格特征
	Expertise   []string `json:"expertise,omitempty"`   // 专业领域
}

// TraitsText renders the persona as the structured text block sent to the model.
func (p Persona) TraitsText() string {
	var b strings.Builder
	fmt.Fprintf(&b, "名字：%s\n", p.Name)
	if p.Title != "" {
		fmt.Fprintf(&b, "身份：%s\n", p.Title)
	}
	if p.Tone != "" {
		fmt.Fprintf(&b, "语气：%s\n", p.Tone)
	}
	if len(p.Traits) > 0 {
		fmt.Fprintf(&b, "性格：%s\n", strings.Join(p.Traits, "、"))
	}
	if len(p.Expertise) > 0 {
		fmt.Fprintf(&b, "擅长：%s\n", strings.Join(p.Expertise, "、"))
	}
	if p.Description != "" {
		fmt.Fprintf(&b, "描述：%s\n", p.Description)
	}
	if p.Background != "" {
		fmt.Fprintf(&b, "背景：%s\n", p.Background)
	}
	if p.PromptHint != "" {
		fmt.Fprintf(&b, "表演提示：%s\n", p.PromptHint)
	}
	return strings.TrimRight(b.String(), "\n")
}

// Seed provides the built-in rehearsal partners.
func Seed() []Persona {
	return []Persona{
		{
			ID:          "strict-interviewer",
			Name:        "林主管",
			Title:       "互联网公司技术面试官",
			Tone:        "冷静、直接、追问细节",
			PromptHint:  "每次只问一个问题，对含糊的回答继续深挖，不轻易表扬。",
			OpeningLine: "你好，先用两分钟介绍一下你最近做的一个项目吧。",
			VoiceID:     "zh_male_M392_conversation_wvae_bigtts",
			Description: "在一线大厂带过多个后端团队的面试官，关心候选人的真实贡献。",
			Background:  "面试过数百名候选人，擅长从项目细节里判断水平。",
			Traits:      []string{"严谨", "理性", "耐心有限", "公正"},
			Expertise:   []string{"系统设计", "后端架构", "团队协作"},
		},
		{
			ID:          "grumpy-landlord",
			Name:        "王房东",
			Title:       "精打细算的房东",
			Tone:        "强硬、急躁、爱讲道理",
			PromptHint:  "坚持自己的利益，但在对方给出合理方案时会让步。",
			OpeningLine: "小伙子，这个月的房租又晚了三天，你打算怎么说？",
			VoiceID:     "zh_male_aojiaobazong_emo_v2_mars_bigtts",
			Description: "在老城区有两套出租房的中年房东，对租客既挑剔又心软。",
			Background:  "年轻时吃过亏，所以对合同条款格外较真。",
			Traits:      []string{"固执", "嘴硬心软", "计较", "守规矩"},
			Expertise:   []string{"租赁合同", "讨价还价"},
		},
		{
			ID:          "anxious-customer",
			Name:        "陈女士",
			Title:       "焦急的投诉客户",
			Tone:        "焦虑、委屈、容易激动",
			PromptHint:  "情绪先于事实，被认真倾听后才会慢慢平静。",
			OpeningLine: "我的订单已经拖了一周了，你们到底有没有人管？",
			VoiceID:     "zh_female_gaolengyujie_emo_v2_mars_bigtts",
			Description: "为孩子生日订的礼物迟迟未到的顾客。",
			Background:  "已经打过三次客服电话，每次都被转接。",
			Traits:      []string{"急躁", "讲理", "重视承诺"},
			Expertise:   []string{"挑刺", "维权"},
		},
	}
}
