package versize

import (
	"context"
	"embed"
	"errors"
	"html/template"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
)

//go:embed templates/*.tmpl
var panelTemplates embed.FS

const (
	panelListLimit         = 50
	panelDefaultDenyReason = "—"
)

var applicationStateLabels = map[ApplicationState]string{
	ApplicationStatePending:  "На рассмотрении",
	ApplicationStateAccepted: "Одобрена",
	ApplicationStateDenied:   "Отклонена",
	ApplicationStateFailed:   "Ошибка публикации",
}

func loadPanelTemplates() (*template.Template, error) {
	return template.New("").Funcs(
		template.FuncMap{
			"unixMilli": func(ms int64) string {
				if ms == 0 {
					return "—"
				}
				return time.UnixMilli(ms).UTC().Format("2006-01-02 15:04")
			},
			"stateLabel": func(s ApplicationState) string {
				if label, ok := applicationStateLabels[s]; ok {
					return label
				}
				return string(s)
			},
			"kindTitle": func(id string) string {
				if k, ok := lookupApplicationKind(id); ok {
					return k.ModalTitle
				}
				return id
			},
			"actionLabel": auditActionLabel,
			"rankText":    rankText,
		},
	).ParseFS(panelTemplates, "templates/*.tmpl")
}

// DashboardStats are the counts shown on the panel's front page
type DashboardStats struct {
	Pending         int64 `json:"pending"`
	Accepted        int64 `json:"accepted"`
	Denied          int64 `json:"denied"`
	AuditTotal      int64 `json:"audit_total"`
	ActiveBlacklist int64 `json:"active_blacklist"`
}

// GetDashboardStats runs the dashboard's count queries concurrently
func (v *Versize) GetDashboardStats(ctx context.Context) (DashboardStats, error) {
	var stats DashboardStats
	g, ctx := errgroup.WithContext(ctx)

	countState := func(state ApplicationState, dst *int64) func() error {
		return func() error {
			return v.db.WithContext(ctx).Model(&Application{}).Where("state = ?", state).Count(dst).Error
		}
	}
	g.Go(countState(ApplicationStatePending, &stats.Pending))
	g.Go(countState(ApplicationStateAccepted, &stats.Accepted))
	g.Go(countState(ApplicationStateDenied, &stats.Denied))
	g.Go(
		func() error {
			return v.db.WithContext(ctx).Model(&AuditRecord{}).Count(&stats.AuditTotal).Error
		},
	)
	g.Go(
		func() error {
			return v.db.WithContext(ctx).Model(&BlacklistEntry{}).
				Scopes(activeBlacklistScope(time.Now())).
				Count(&stats.ActiveBlacklist).Error
		},
	)
	return stats, g.Wait()
}

func (a *API) renderPanelError(c *gin.Context, status int, message string) {
	c.HTML(status, "error.tmpl", gin.H{"Title": "Ошибка", "Message": message, "User": ginPanelUser(c)})
}

func (a *API) panelDashboard(c *gin.Context) {
	stats, err := a.v.GetDashboardStats(c)
	if err != nil {
		ginContextLogger(c).Error("error getting dashboard stats", tint.Err(err))
		a.renderPanelError(c, http.StatusInternalServerError, genericErrorMessage)
		return
	}
	c.HTML(
		http.StatusOK, "dashboard.tmpl", gin.H{
			"Title":  "Versize — Панель",
			"User":   ginPanelUser(c),
			"Stats":  stats,
			"Paused": a.v.paused.Load(),
		},
	)
}

func (a *API) panelApplications(c *gin.Context) {
	state := ApplicationState(c.Query("state"))
	db := a.v.db.WithContext(c).Order("id desc").Limit(panelListLimit)
	if _, ok := applicationStateLabels[state]; ok {
		db = db.Where("state = ?", state)
	} else {
		state = ""
	}
	var apps []Application
	if err := db.Find(&apps).Error; err != nil {
		ginContextLogger(c).Error("error listing applications", tint.Err(err))
		a.renderPanelError(c, http.StatusInternalServerError, genericErrorMessage)
		return
	}
	c.HTML(
		http.StatusOK, "applications.tmpl", gin.H{
			"Title":        "Заявки",
			"User":         ginPanelUser(c),
			"Applications": apps,
			"State":        state,
			"States":       applicationStateLabels,
		},
	)
}

// panelDecisionError renders the result of a failed panel decision
func (a *API) panelDecisionError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrAlreadyDecided):
		a.renderPanelError(c, http.StatusConflict, msgApplicationDecided)
	case errors.Is(err, ErrApplicationNotFound):
		a.renderPanelError(c, http.StatusNotFound, msgApplicationNotFoundPanel)
	default:
		ginContextLogger(c).Error("error deciding application", tint.Err(err))
		a.renderPanelError(c, http.StatusInternalServerError, genericErrorMessage)
	}
}

func (a *API) panelAccept(c *gin.Context) {
	id, ok := applicationIDParam(c)
	if !ok {
		a.renderPanelError(c, http.StatusNotFound, msgApplicationNotFoundPanel)
		return
	}
	if _, err := a.v.AcceptApplication(c, id, ginPanelUser(c).leader()); err != nil {
		a.panelDecisionError(c, err)
		return
	}
	c.Redirect(http.StatusFound, panelPrefix+apiPathApplications)
}

func (a *API) panelDeny(c *gin.Context) {
	id, ok := applicationIDParam(c)
	if !ok {
		a.renderPanelError(c, http.StatusNotFound, msgApplicationNotFoundPanel)
		return
	}
	reason := strings.TrimSpace(c.Query("reason"))
	if reason == "" {
		reason = panelDefaultDenyReason
	}
	if _, err := a.v.DenyApplication(c, id, reason, ginPanelUser(c).leader()); err != nil {
		a.panelDecisionError(c, err)
		return
	}
	c.Redirect(http.StatusFound, panelPrefix+apiPathApplications)
}

func (a *API) panelLogs(c *gin.Context) {
	var (
		records []AuditRecord
		entries []BlacklistEntry
	)
	g, ctx := errgroup.WithContext(c)
	g.Go(
		func() error {
			return a.v.db.WithContext(ctx).Order("id desc").Limit(panelListLimit).Find(&records).Error
		},
	)
	g.Go(
		func() error {
			return a.v.db.WithContext(ctx).Order("id desc").Limit(panelListLimit).Find(&entries).Error
		},
	)
	if err := g.Wait(); err != nil {
		ginContextLogger(c).Error("error loading logs", tint.Err(err))
		a.renderPanelError(c, http.StatusInternalServerError, genericErrorMessage)
		return
	}
	now := time.Now()
	type blacklistRow struct {
		BlacklistEntry
		Term   string
		Member string
		Active bool
	}
	rows := make([]blacklistRow, 0, len(entries))
	for _, e := range entries {
		rows = append(
			rows,
			blacklistRow{BlacklistEntry: e, Term: e.termText(), Member: e.memberText(), Active: e.Active(now)},
		)
	}
	c.HTML(
		http.StatusOK, "logs.tmpl", gin.H{
			"Title":     "Журнал",
			"User":      ginPanelUser(c),
			"Audit":     records,
			"Blacklist": rows,
		},
	)
}

func (a *API) panelSettings(c *gin.Context) {
	c.HTML(
		http.StatusOK, "settings.tmpl", gin.H{
			"Title":    "Настройки",
			"User":     ginPanelUser(c),
			"Config":   a.v.RuntimeConfig(),
			"Channels": a.v.channels(),
			"Roles":    a.v.allowedRoles(),
		},
	)
}
