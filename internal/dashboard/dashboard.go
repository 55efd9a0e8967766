// Package dashboard derives read-only staff and owner statistics from the check-in log.
// Nothing here writes; figures are recomputed on every call.
package dashboard

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"gymflow/occupancy/internal/db"
	"gymflow/occupancy/internal/model"
)

const (
	maxActivity     = 50
	defaultDays     = 30
	maxDays         = 365
	criticalPercent = 90
	warningPercent  = 75
)

// Source is the occupancy read side exposed by the check-in engine.
type Source interface {
	CurrentCapacity(ctx context.Context, gymID string) (model.Capacity, error)
	CheckIns(ctx context.Context, gymID string, from, to time.Time) ([]model.CheckIn, error)
}

// Directory resolves the gyms, users and memberships referenced by check-ins.
type Directory interface {
	GetGym(ctx context.Context, id string) (model.Gym, error)
	GetUser(ctx context.Context, id string) (model.User, error)
	GetMembershipByUser(ctx context.Context, userID string) (model.Membership, error)
	CountActiveMembershipsByType(ctx context.Context, gymID string, at time.Time) (map[string]int, error)
}

type Service struct {
	source    Source
	directory Directory
	prices    map[string]int64
	location  *time.Location
}

// NewService builds the aggregator. Days are cut in loc; nil means UTC.
func NewService(source Source, directory Directory, prices map[string]int64, loc *time.Location) *Service {
	if loc == nil {
		loc = time.UTC
	}
	return &Service{source: source, directory: directory, prices: prices, location: loc}
}

type ActiveUser struct {
	UserID         string    `json:"id"`
	Name           string    `json:"name"`
	RUT            string    `json:"rut,omitempty"`
	MembershipType string    `json:"membershipType,omitempty"`
	CheckedInAt    time.Time `json:"checkedInAt"`
	MinutesInside  int       `json:"minutesInside"`
}

type Activity struct {
	CheckInID      string    `json:"id"`
	UserName       string    `json:"userName,omitempty"`
	Type           string    `json:"type"`
	Time           time.Time `json:"time"`
	MembershipType string    `json:"membershipType,omitempty"`
}

type StaffStats struct {
	TotalVisitsToday int    `json:"totalVisitsToday"`
	CurrentInside    int    `json:"currentInside"`
	PeakToday        int    `json:"peakToday"`
	PeakHour         string `json:"peakHour"`
	AvgMinutesInside int    `json:"avgTimeInside"`
}

type HourBucket struct {
	Hour       int    `json:"hour"`
	Label      string `json:"label"`
	Count      int    `json:"count"`
	Percentage int    `json:"percentage"`
}

type Alert struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type StaffDashboard struct {
	Gym           model.Capacity `json:"gym"`
	ActiveUsers   []ActiveUser   `json:"activeUsers"`
	TodayActivity []Activity     `json:"todayActivity"`
	Stats         StaffStats     `json:"stats"`
	HourlyToday   []HourBucket   `json:"hourlyToday"`
	Alerts        []Alert        `json:"alerts"`
}

// Staff summarises today at gymID as of now.
func (s *Service) Staff(ctx context.Context, gymID string, now time.Time) (StaffDashboard, error) {
	gym, err := s.directory.GetGym(ctx, gymID)
	if err != nil {
		return StaffDashboard{}, db.DomainError(err, "gym not found")
	}
	capacity, err := s.source.CurrentCapacity(ctx, gymID)
	if err != nil {
		return StaffDashboard{}, err
	}
	now = now.In(s.location)
	dayStart := startOfDay(now)
	checkIns, err := s.source.CheckIns(ctx, gymID, dayStart, dayStart.Add(24*time.Hour))
	if err != nil {
		return StaffDashboard{}, err
	}

	people := newPeople(s.directory)
	dashboard := StaffDashboard{
		Gym:           capacity,
		ActiveUsers:   []ActiveUser{},
		TodayActivity: []Activity{},
		Alerts:        []Alert{},
	}

	hourly := make([]int, 24)
	var completedMinutes, completed int
	for _, c := range checkIns {
		person, err := people.lookup(ctx, c.UserID)
		if err != nil {
			return StaffDashboard{}, err
		}
		if c.Active() && c.UserID != nil {
			dashboard.ActiveUsers = append(dashboard.ActiveUsers, ActiveUser{
				UserID:         person.user.ID,
				Name:           person.user.Name,
				RUT:            model.StringValue(person.user.RUT),
				MembershipType: person.membershipType,
				CheckedInAt:    c.CheckedIn,
				MinutesInside:  int(c.Duration(now).Minutes()),
			})
		}
		if !c.CheckedIn.Before(dayStart) && !c.CheckedIn.After(now) {
			dashboard.Stats.TotalVisitsToday++
			hourly[c.CheckedIn.In(s.location).Hour()]++
			dashboard.TodayActivity = append(dashboard.TodayActivity, Activity{
				CheckInID: c.ID, UserName: person.user.Name, Type: "entry", Time: c.CheckedIn, MembershipType: person.membershipType,
			})
		}
		if c.CheckedOut != nil && !c.CheckedOut.Before(dayStart) && !c.CheckedOut.After(now) {
			completed++
			completedMinutes += int(c.Duration(now).Minutes())
			dashboard.TodayActivity = append(dashboard.TodayActivity, Activity{
				CheckInID: c.ID, UserName: person.user.Name, Type: "exit", Time: *c.CheckedOut, MembershipType: person.membershipType,
			})
		}
	}

	sort.SliceStable(dashboard.ActiveUsers, func(i, j int) bool {
		return dashboard.ActiveUsers[i].CheckedInAt.After(dashboard.ActiveUsers[j].CheckedInAt)
	})
	sort.SliceStable(dashboard.TodayActivity, func(i, j int) bool {
		return dashboard.TodayActivity[i].Time.After(dashboard.TodayActivity[j].Time)
	})
	if len(dashboard.TodayActivity) > maxActivity {
		dashboard.TodayActivity = dashboard.TodayActivity[:maxActivity]
	}

	peakHour, peak := busiest(hourly)
	dashboard.Stats.CurrentInside = capacity.Current
	dashboard.Stats.PeakToday = peak
	if peak > 0 {
		dashboard.Stats.PeakHour = hourLabel(peakHour)
	}
	if completed > 0 {
		dashboard.Stats.AvgMinutesInside = completedMinutes / completed
	}
	dashboard.HourlyToday = make([]HourBucket, 24)
	for hour, count := range hourly {
		dashboard.HourlyToday[hour] = HourBucket{Hour: hour, Label: hourLabel(hour), Count: count, Percentage: model.Percentage(count, peak)}
	}
	dashboard.Alerts = alerts(gym, capacity)
	return dashboard, nil
}

func alerts(gym model.Gym, capacity model.Capacity) []Alert {
	out := []Alert{}
	switch {
	case capacity.Percentage >= criticalPercent:
		out = append(out, Alert{Type: "critical", Message: fmt.Sprintf("Occupancy at %d%%, entry will be refused soon", capacity.Percentage)})
	case capacity.Percentage >= warningPercent:
		out = append(out, Alert{Type: "warning", Message: fmt.Sprintf("Occupancy at %d%%", capacity.Percentage)})
	}
	if !gym.IsActive {
		out = append(out, Alert{Type: "info", Message: "Gym is inactive; new check-ins are refused"})
	}
	return out
}

type DailyVisits struct {
	Date   string `json:"date"`
	Visits int    `json:"visits"`
}

type MembershipShare struct {
	Type             string `json:"type"`
	Count            int    `json:"count"`
	Percentage       int    `json:"percentage"`
	EstimatedRevenue int64  `json:"estimatedRevenue"`
}

type OwnerDashboard struct {
	Gym             model.Capacity    `json:"gym"`
	Days            int               `json:"days"`
	From            time.Time         `json:"from"`
	To              time.Time         `json:"to"`
	TotalVisits     int               `json:"totalVisits"`
	AvgDailyVisits  float64           `json:"avgDailyVisits"`
	UniqueVisitors  int               `json:"uniqueVisitors"`
	ReturningRate   int               `json:"returningRate"`
	AvgSessionMins  int               `json:"avgSessionMinutes"`
	BusiestHour     *int              `json:"busiestHour,omitempty"`
	BusiestWeekday  string            `json:"busiestWeekday,omitempty"`
	ActiveMembers   int               `json:"activeMembers"`
	MonthlyRevenue  int64             `json:"estimatedMonthlyRevenue"`
	Daily           []DailyVisits     `json:"daily"`
	MembershipTypes []MembershipShare `json:"membershipTypes"`
}

// ClampDays bounds the owner window to [1, 365], defaulting to 30.
func ClampDays(days int) int {
	switch {
	case days <= 0:
		return defaultDays
	case days > maxDays:
		return maxDays
	default:
		return days
	}
}

// Owner summarises the last days (today included) at gymID.
func (s *Service) Owner(ctx context.Context, gymID string, days int, now time.Time) (OwnerDashboard, error) {
	days = ClampDays(days)
	if _, err := s.directory.GetGym(ctx, gymID); err != nil {
		return OwnerDashboard{}, db.DomainError(err, "gym not found")
	}
	capacity, err := s.source.CurrentCapacity(ctx, gymID)
	if err != nil {
		return OwnerDashboard{}, err
	}
	now = now.In(s.location)
	to := startOfDay(now).AddDate(0, 0, 1)
	from := to.AddDate(0, 0, -days)
	checkIns, err := s.source.CheckIns(ctx, gymID, from, to)
	if err != nil {
		return OwnerDashboard{}, err
	}

	dashboard := OwnerDashboard{Gym: capacity, Days: days, From: from, To: to, MembershipTypes: []MembershipShare{}}
	daily := make(map[string]int, days)
	visitsPerUser := map[string]int{}
	hourly := make([]int, 24)
	weekdays := make([]int, 7)
	var sessionMinutes, sessions int
	for _, c := range checkIns {
		if c.CheckedIn.Before(from) {
			continue
		}
		local := c.CheckedIn.In(s.location)
		dashboard.TotalVisits++
		daily[local.Format(time.DateOnly)]++
		hourly[local.Hour()]++
		weekdays[local.Weekday()]++
		if c.UserID != nil {
			visitsPerUser[*c.UserID]++
		}
		if c.CheckedOut != nil {
			sessions++
			sessionMinutes += int(c.Duration(now).Minutes())
		}
	}

	for day := from; day.Before(to); day = day.AddDate(0, 0, 1) {
		key := day.Format(time.DateOnly)
		dashboard.Daily = append(dashboard.Daily, DailyVisits{Date: key, Visits: daily[key]})
	}
	dashboard.AvgDailyVisits = float64(dashboard.TotalVisits) / float64(days)
	dashboard.UniqueVisitors = len(visitsPerUser)
	returning := 0
	for _, visits := range visitsPerUser {
		if visits > 1 {
			returning++
		}
	}
	dashboard.ReturningRate = model.Percentage(returning, dashboard.UniqueVisitors)
	if sessions > 0 {
		dashboard.AvgSessionMins = sessionMinutes / sessions
	}
	if hour, count := busiest(hourly); count > 0 {
		dashboard.BusiestHour = &hour
		day, _ := busiest(weekdays)
		dashboard.BusiestWeekday = time.Weekday(day).String()
	}

	counts, err := s.directory.CountActiveMembershipsByType(ctx, gymID, now)
	if err != nil {
		return OwnerDashboard{}, db.DomainError(err, "gym not found")
	}
	for _, count := range counts {
		dashboard.ActiveMembers += count
	}
	for kind, count := range counts {
		revenue := int64(count) * s.prices[kind]
		dashboard.MonthlyRevenue += revenue
		dashboard.MembershipTypes = append(dashboard.MembershipTypes, MembershipShare{
			Type:             kind,
			Count:            count,
			Percentage:       model.Percentage(count, dashboard.ActiveMembers),
			EstimatedRevenue: revenue,
		})
	}
	sort.Slice(dashboard.MembershipTypes, func(i, j int) bool {
		if dashboard.MembershipTypes[i].Count != dashboard.MembershipTypes[j].Count {
			return dashboard.MembershipTypes[i].Count > dashboard.MembershipTypes[j].Count
		}
		return dashboard.MembershipTypes[i].Type < dashboard.MembershipTypes[j].Type
	})
	return dashboard, nil
}

type person struct {
	user           model.User
	membershipType string
}

// people memoises user lookups for one dashboard build.
type people struct {
	directory Directory
	byID      map[string]person
}

func newPeople(directory Directory) *people {
	return &people{directory: directory, byID: map[string]person{}}
}

func (p *people) lookup(ctx context.Context, userID *string) (person, error) {
	if userID == nil {
		return person{}, nil
	}
	if cached, ok := p.byID[*userID]; ok {
		return cached, nil
	}
	user, err := p.directory.GetUser(ctx, *userID)
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		return person{}, db.DomainError(err, "user not found")
	}
	found := person{user: user}
	membership, err := p.directory.GetMembershipByUser(ctx, *userID)
	switch {
	case err == nil:
		found.membershipType = membership.Type
	case !errors.Is(err, db.ErrNotFound):
		return person{}, db.DomainError(err, "membership not found")
	}
	if found.user.ID == "" {
		found.user.ID = *userID
	}
	p.byID[*userID] = found
	return found, nil
}

func startOfDay(t time.Time) time.Time {
	year, month, day := t.Date()
	return time.Date(year, month, day, 0, 0, 0, 0, t.Location())
}

func hourLabel(hour int) string {
	return fmt.Sprintf("%02d:00", hour)
}

// busiest returns the first index holding the maximum count.
func busiest(counts []int) (int, int) {
	best, bestCount := 0, 0
	for i, count := range counts {
		if count > bestCount {
			best, bestCount = i, count
		}
	}
	return best, bestCount
}
