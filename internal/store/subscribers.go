package store

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/kenshin-ledger/internal/model"
	"github.com/sells-group/kenshin-ledger/internal/normalize"
)

// PutSubscribers upserts subscribers and their comparison keys.
func (s *sqlStore) PutSubscribers(ctx context.Context, subs []model.Subscriber) (int, error) {
	err := s.c.inTx(ctx, func(q querier) error {
		for _, sub := range subs {
			if sub.ID == "" {
				return eris.New("store: subscriber id is required")
			}
			if _, err := q.exec(ctx, `
				INSERT INTO subscribers (id, insurer_number, insurance_symbol, insurance_number, branch_number,
					birth_date, kana_name, gender, person_key, insurer_key, symbol_key, number_key)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT (id) DO UPDATE SET
					insurer_number = excluded.insurer_number, insurance_symbol = excluded.insurance_symbol,
					insurance_number = excluded.insurance_number, branch_number = excluded.branch_number,
					birth_date = excluded.birth_date, kana_name = excluded.kana_name, gender = excluded.gender,
					person_key = excluded.person_key, insurer_key = excluded.insurer_key,
					symbol_key = excluded.symbol_key, number_key = excluded.number_key`,
				sub.ID, sub.InsurerNumber, sub.InsuranceSymbol, sub.InsuranceNumber, sub.BranchNumber,
				sub.BirthDate, sub.KanaName, sub.Gender, sub.PersonKey,
				normalize.InsurerNumberKey(sub.InsurerNumber),
				normalize.InsuranceSymbolKey(sub.InsuranceSymbol),
				normalize.DigitsKey(sub.InsuranceNumber),
			); err != nil {
				return eris.Wrapf(err, "store: put subscriber %s", sub.ID)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(subs), nil
}

const subscriberColumns = `id, insurer_number, insurance_symbol, insurance_number, branch_number,
	birth_date, kana_name, gender, person_key`

func (s *sqlStore) ByInsurance(ctx context.Context, insurerKey, symbolKey, numberKey string) ([]model.Subscriber, error) {
	return s.subscribers(ctx, `SELECT `+subscriberColumns+` FROM subscribers
		WHERE insurer_key = ? AND symbol_key = ? AND number_key = ? ORDER BY id`,
		insurerKey, symbolKey, numberKey)
}

func (s *sqlStore) ByPersonKey(ctx context.Context, personKey string) ([]model.Subscriber, error) {
	if personKey == "" {
		return nil, nil
	}
	return s.subscribers(ctx, `SELECT `+subscriberColumns+` FROM subscribers
		WHERE person_key = ? ORDER BY id`, personKey)
}

func (s *sqlStore) subscribers(ctx context.Context, q string, args ...any) ([]model.Subscriber, error) {
	rs, err := s.c.query(ctx, q, args...)
	if err != nil {
		return nil, eris.Wrap(err, "store: subscribers")
	}
	defer rs.Close()

	var out []model.Subscriber
	for rs.Next() {
		var sub model.Subscriber
		if err := rs.Scan(&sub.ID, &sub.InsurerNumber, &sub.InsuranceSymbol, &sub.InsuranceNumber,
			&sub.BranchNumber, &sub.BirthDate, &sub.KanaName, &sub.Gender, &sub.PersonKey); err != nil {
			return nil, eris.Wrap(err, "store: scan subscriber")
		}
		out = append(out, sub)
	}
	return out, eris.Wrap(rs.Err(), "store: subscribers")
}
