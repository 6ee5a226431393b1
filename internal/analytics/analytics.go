// Package analytics 从活动记录计算提交统计，不做任何 I/O，所有日历计算使用 UTC
package analytics

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/samber/lo"
)

const (
	dayLayout = "2006-01-02"

	DefaultHeatmapDays = 90

	// 超过该行数的提交视为大提交
	largeCommitLines = 500
	// 描述性提交信息的最短长度
	minDescriptiveMessage = 10
)

// Commit 参与统计的提交
type Commit struct {
	Timestamp   time.Time
	ProjectID   int64
	ProjectName string
	Message     string
	Additions   int
	Deletions   int
}

// DayKey UTC 日期键
func DayKey(t time.Time) string {
	return t.UTC().Format(dayLayout)
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// CommitsByDay 按 UTC 日期计数
func CommitsByDay(commits []Commit) map[string]int {
	days := make(map[string]int)
	for _, c := range commits {
		days[DayKey(c.Timestamp)]++
	}
	return days
}

// CurrentStreak 从今天往回数连续有提交的天数；今天没有提交时从昨天开始数
func CurrentStreak(days map[string]int, now time.Time) int {
	cursor := truncateDay(now)
	if days[DayKey(cursor)] == 0 {
		cursor = cursor.AddDate(0, 0, -1)
	}

	streak := 0
	for days[DayKey(cursor)] > 0 {
		streak++
		cursor = cursor.AddDate(0, 0, -1)
	}
	return streak
}

// LongestStreak 历史上最长的连续提交天数
func LongestStreak(days map[string]int) int {
	dates := make([]time.Time, 0, len(days))
	for key, n := range days {
		if n <= 0 {
			continue
		}
		d, err := time.Parse(dayLayout, key)
		if err != nil {
			continue
		}
		dates = append(dates, d)
	}
	if len(dates) == 0 {
		return 0
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })

	longest, run := 1, 1
	for i := 1; i < len(dates); i++ {
		if dates[i].Sub(dates[i-1]) == 24*time.Hour {
			run++
		} else {
			run = 1
		}
		longest = max(longest, run)
	}
	return longest
}

// HeatmapCell 热力图单元
type HeatmapCell struct {
	Date  string `json:"date"`
	Count int    `json:"count"`
	Level int    `json:"level"`
}

// Level 提交数到热力等级: 0 / 1-2 / 3-5 / 6-10 / >10
func Level(count int) int {
	switch {
	case count <= 0:
		return 0
	case count <= 2:
		return 1
	case count <= 5:
		return 2
	case count <= 10:
		return 3
	default:
		return 4
	}
}

// Heatmap 截止今天的 window 天热力图，按日期升序
func Heatmap(days map[string]int, now time.Time, window int) []HeatmapCell {
	if window <= 0 {
		window = DefaultHeatmapDays
	}
	today := truncateDay(now)
	cells := make([]HeatmapCell, 0, window)
	for i := window - 1; i >= 0; i-- {
		key := DayKey(today.AddDate(0, 0, -i))
		n := days[key]
		cells = append(cells, HeatmapCell{Date: key, Count: n, Level: Level(n)})
	}
	return cells
}

// ProductivityInput 生产力评分输入
type ProductivityInput struct {
	Commits       int
	MergeRequests int
	Issues        int
	Days          int
}

// ProductivityScore 提交最多 50 分，合并请求最多 30 分，议题最多 20 分
func ProductivityScore(in ProductivityInput) int {
	if in.Days <= 0 {
		return 0
	}
	days := float64(in.Days)
	commitPts := math.Min(float64(in.Commits)/days*10, 50)
	mrPts := math.Min(float64(in.MergeRequests)/days*20, 30)
	issuePts := math.Min(float64(in.Issues)/days*15, 20)
	return int(math.Round(commitPts + mrPts + issuePts))
}

// QualityScore 描述性提交信息占比与小提交占比，各 50 分
func QualityScore(commits []Commit) int {
	if len(commits) == 0 {
		return 0
	}
	descriptive := lo.CountBy(commits, func(c Commit) bool {
		return len(strings.TrimSpace(firstLine(c.Message))) >= minDescriptiveMessage
	})
	small := lo.CountBy(commits, func(c Commit) bool {
		return c.Additions+c.Deletions < largeCommitLines
	})
	total := float64(len(commits))
	return int(math.Round(float64(descriptive)/total*50 + float64(small)/total*50))
}

func firstLine(msg string) string {
	if i := strings.IndexByte(msg, '\n'); i >= 0 {
		return msg[:i]
	}
	return msg
}

// Bucket 周期聚合
type Bucket struct {
	Period    string `json:"period"`
	Commits   int    `json:"commits"`
	Additions int    `json:"additions"`
	Deletions int    `json:"deletions"`
}

// WeekKey ISO 周，如 2026-W07
func WeekKey(t time.Time) string {
	y, w := t.UTC().ISOWeek()
	return fmt.Sprintf("%d-W%02d", y, w)
}

// MonthKey 月份，如 2026-02
func MonthKey(t time.Time) string {
	return t.UTC().Format("2006-01")
}

func bucketBy(commits []Commit, keyFn func(time.Time) string) []Bucket {
	grouped := lo.GroupBy(commits, func(c Commit) string { return keyFn(c.Timestamp) })
	buckets := make([]Bucket, 0, len(grouped))
	for period, list := range grouped {
		b := Bucket{Period: period, Commits: len(list)}
		for _, c := range list {
			b.Additions += c.Additions
			b.Deletions += c.Deletions
		}
		buckets = append(buckets, b)
	}
	sort.Slice(buckets, func(i, j int) bool { return buckets[i].Period < buckets[j].Period })
	return buckets
}

// WeeklyBuckets 按 ISO 周聚合，升序
func WeeklyBuckets(commits []Commit) []Bucket {
	return bucketBy(commits, WeekKey)
}

// MonthlyBuckets 按月聚合，升序
func MonthlyBuckets(commits []Commit) []Bucket {
	return bucketBy(commits, MonthKey)
}

// ProjectStat 单项目统计
type ProjectStat struct {
	ProjectID   int64  `json:"project_id"`
	ProjectName string `json:"project_name"`
	Commits     int    `json:"commits"`
	Additions   int    `json:"additions"`
	Deletions   int    `json:"deletions"`
}

// ProjectBreakdown 按项目聚合，提交数降序
func ProjectBreakdown(commits []Commit) []ProjectStat {
	grouped := lo.GroupBy(commits, func(c Commit) int64 { return c.ProjectID })
	stats := make([]ProjectStat, 0, len(grouped))
	for id, list := range grouped {
		s := ProjectStat{ProjectID: id, ProjectName: list[0].ProjectName, Commits: len(list)}
		for _, c := range list {
			s.Additions += c.Additions
			s.Deletions += c.Deletions
		}
		stats = append(stats, s)
	}
	sort.Slice(stats, func(i, j int) bool {
		if stats[i].Commits != stats[j].Commits {
			return stats[i].Commits > stats[j].Commits
		}
		return stats[i].ProjectID < stats[j].ProjectID
	})
	return stats
}

// Summary 汇总指标
type Summary struct {
	TotalCommits       int           `json:"total_commits"`
	TotalMergeRequests int           `json:"total_merge_requests"`
	TotalIssues        int           `json:"total_issues"`
	ActiveDays         int           `json:"active_days"`
	CurrentStreak      int           `json:"current_streak"`
	LongestStreak      int           `json:"longest_streak"`
	LinesAdded         int           `json:"lines_added"`
	LinesDeleted       int           `json:"lines_deleted"`
	AvgCommitSize      float64       `json:"avg_commit_size"`
	AvgCommitsPerDay   float64       `json:"avg_commits_per_day"`
	MostActiveWeekday  string        `json:"most_active_weekday"`
	MostActiveHour     int           `json:"most_active_hour"`
	ProductivityScore  int           `json:"productivity_score"`
	QualityScore       int           `json:"quality_score"`
	Heatmap            []HeatmapCell `json:"heatmap"`
	Weekly             []Bucket      `json:"weekly"`
	Monthly            []Bucket      `json:"monthly"`
	Projects           []ProjectStat `json:"projects"`
}

// Input 汇总输入
type Input struct {
	Commits       []Commit
	MergeRequests int
	Issues        int
	Days          int
	HeatmapDays   int
	Now           time.Time
}

// Summarize 计算全部指标；无数据时所有数值为零
func Summarize(in Input) Summary {
	days := CommitsByDay(in.Commits)
	s := Summary{
		TotalCommits:       len(in.Commits),
		TotalMergeRequests: in.MergeRequests,
		TotalIssues:        in.Issues,
		ActiveDays:         len(days),
		CurrentStreak:      CurrentStreak(days, in.Now),
		LongestStreak:      LongestStreak(days),
		ProductivityScore: ProductivityScore(ProductivityInput{
			Commits:       len(in.Commits),
			MergeRequests: in.MergeRequests,
			Issues:        in.Issues,
			Days:          in.Days,
		}),
		QualityScore: QualityScore(in.Commits),
		Heatmap:      Heatmap(days, in.Now, in.HeatmapDays),
		Weekly:       WeeklyBuckets(in.Commits),
		Monthly:      MonthlyBuckets(in.Commits),
		Projects:     ProjectBreakdown(in.Commits),
	}

	for _, c := range in.Commits {
		s.LinesAdded += c.Additions
		s.LinesDeleted += c.Deletions
	}
	if s.TotalCommits > 0 {
		s.AvgCommitSize = round2(float64(s.LinesAdded+s.LinesDeleted) / float64(s.TotalCommits))
		s.MostActiveWeekday, s.MostActiveHour = mostActive(in.Commits)
	}
	if in.Days > 0 {
		s.AvgCommitsPerDay = round2(float64(s.TotalCommits) / float64(in.Days))
	}
	return s
}

func mostActive(commits []Commit) (string, int) {
	var weekdays [7]int
	var hours [24]int
	for _, c := range commits {
		ts := c.Timestamp.UTC()
		weekdays[ts.Weekday()]++
		hours[ts.Hour()]++
	}
	wd, hr := 0, 0
	for i := range weekdays {
		if weekdays[i] > weekdays[wd] {
			wd = i
		}
	}
	for i := range hours {
		if hours[i] > hours[hr] {
			hr = i
		}
	}
	return time.Weekday(wd).String(), hr
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
