package notify

import (
	"fmt"
	"math"
	"strings"

	"plagiarism_monitor/internal/model"
)

func riskLabel(r model.Risk) string {
	switch r {
	case model.RiskHigh:
		return "высокий"
	case model.RiskMedium:
		return "средний"
	default:
		return "низкий"
	}
}

// FormatCase formats a plagiarism alert.
func FormatCase(c *model.Case) string {
	var b strings.Builder
	b.WriteString("Найден плагиат!\n\n")
	if c.GroupName != "" {
		fmt.Fprintf(&b, "Группа: %s\n", c.GroupName)
	}
	fmt.Fprintf(&b, "Сходство: %d%% (риск: %s)\n", int(math.Round(c.OverallSimilarity*100)), riskLabel(c.Risk))
	if c.TextSimilarity > 0 {
		fmt.Fprintf(&b, "Текст: %d%%\n", int(math.Round(c.TextSimilarity*100)))
	}
	if c.ImageSimilarity > 0 {
		fmt.Fprintf(&b, "Изображения: %d%%\n", int(math.Round(c.ImageSimilarity*100)))
	}
	fmt.Fprintf(&b, "\nОригинал: %s\nКопия: %s", c.OriginalURL, c.PlagiarizedURL)
	return b.String()
}

// FormatTest is the body of a test notification.
func FormatTest(u *model.User) string {
	return fmt.Sprintf("%s, это тестовое уведомление. Уведомления о плагиате будут приходить сюда.", displayName(u))
}

// FormatWelcome greets a user on first login.
func FormatWelcome(u *model.User) string {
	return fmt.Sprintf(`Добро пожаловать, %s!

Добавьте свои сообщества, и мы будем дважды в день проверять новые посты и сообщать о найденных копиях.

Бесплатный тариф включает мониторинг одной группы.`, displayName(u))
}

// FormatDailySummary reports the cases found today.
func FormatDailySummary(today, total, sentToday int) string {
	return fmt.Sprintf(`Ежедневный отчет

Найдено случаев плагиата сегодня: %d
Всего за все время: %d
Уведомлений отправлено сегодня: %d

Подробная статистика доступна в приложении.`, today, total, sentToday)
}

// FormatExpiryWarning reminds the user to renew a paid tier.
func FormatExpiryWarning(daysLeft int) string {
	return fmt.Sprintf(`Внимание! Ваша подписка истекает через %d %s.

Чтобы продлить подписку, откройте приложение и перейдите в раздел «Тарифы».`, daysLeft, pluralDays(daysLeft))
}

func pluralDays(n int) string {
	switch {
	case n%10 == 1 && n%100 != 11:
		return "день"
	case n%10 >= 2 && n%10 <= 4 && (n%100 < 12 || n%100 > 14):
		return "дня"
	default:
		return "дней"
	}
}

func displayName(u *model.User) string {
	if u.FirstName != "" {
		return u.FirstName
	}
	return "пользователь"
}
