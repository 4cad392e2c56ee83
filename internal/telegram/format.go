package telegram

import (
	"fmt"
	"strings"

	"plagiarism_monitor/internal/model"
)

const helpText = `Этот бот присылает уведомления о найденном плагиате.

/start <код> — привязать чат (код выдаётся в приложении)
/status — состояние мониторинга
/stop — отключить уведомления в Telegram
/help — эта справка`

// FormatStatus describes the user's monitoring state. sentToday is the
// number of alerts delivered on the current day.
func FormatStatus(u *model.User, groups []model.Group, sentToday, dailyLimit int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Тариф: %s\n", u.SubscriptionType)
	if u.SubscriptionExpires != nil {
		fmt.Fprintf(&b, "Действует до: %s\n", u.SubscriptionExpires.Format("02.01.2006"))
	}
	if u.NotificationsEnabled {
		fmt.Fprintf(&b, "Уведомлений сегодня: %d из %d\n", sentToday, dailyLimit)
	} else {
		b.WriteString("Уведомления выключены\n")
	}
	fmt.Fprintf(&b, "Найдено плагиата всего: %d\n", u.TotalPlagiarismFound)

	if len(groups) == 0 {
		b.WriteString("\nГрупп пока нет. Добавьте их в приложении.")
		return b.String()
	}
	b.WriteString("\nГруппы:\n")
	for _, g := range groups {
		fmt.Fprintf(&b, "• %s [%s]", g.Name, groupState(g))
		if g.LastCheck != nil {
			fmt.Fprintf(&b, ", проверка %s", g.LastCheck.Format("02.01 15:04"))
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func groupState(g model.Group) string {
	switch {
	case g.SuspendReason == model.SuspendCapacity:
		return "приостановлена: лимит тарифа"
	case g.SuspendReason == model.SuspendPermissionRevoked:
		return "нет доступа"
	case !g.IsActive:
		return "на паузе"
	default:
		return "активна"
	}
}
