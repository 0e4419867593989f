package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLConfig 描述 MySQL 连接参数。
type MySQLConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// MySQLStore 使用真实的 MySQL 数据库保存会话、动作与钱包记录。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 创建连接池并应用数据库迁移。
func NewMySQLStore(ctx context.Context, cfg MySQLConfig) (*MySQLStore, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("MySQL DSN 不能为空")
	}

	db, err := sql.Open("mysql", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("连接 MySQL 失败: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	} else {
		db.SetMaxOpenConns(20)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	} else {
		db.SetMaxIdleConns(10)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(30 * time.Minute)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("无法连接到 MySQL: %w", err)
	}

	s := &MySQLStore{db: db}
	if err := s.runMigrations(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// AppendMessage 将消息写入 MySQL。
func (s *MySQLStore) AppendMessage(ctx context.Context, msg *Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	msg.CreatedAt = time.Now()

	metadata, err := encodeJSON(msg.Metadata)
	if err != nil {
		return fmt.Errorf("序列化消息元数据失败: %w", err)
	}

	const stmt = `INSERT INTO chat_messages
        (id, agent_id, message_type, content, metadata, parent_id, conversation_id, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, stmt,
		msg.ID,
		msg.AgentID,
		string(msg.Type),
		msg.Content,
		metadata,
		msg.ParentID,
		msg.ConversationID,
		msg.CreatedAt,
	); err != nil {
		return fmt.Errorf("写入消息失败: %w", err)
	}
	return nil
}

// ListConversation 按时间顺序返回一个会话内的消息。
func (s *MySQLStore) ListConversation(ctx context.Context, conversationID string, limit int) ([]*Message, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `SELECT id, agent_id, message_type, content, metadata, parent_id, conversation_id, created_at
        FROM chat_messages WHERE conversation_id = ? ORDER BY created_at ASC LIMIT ?`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("查询会话消息失败: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		var msg Message
		var msgType string
		var metadata sql.NullString
		if err := rows.Scan(&msg.ID, &msg.AgentID, &msgType, &msg.Content, &metadata, &msg.ParentID, &msg.ConversationID, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("解析会话消息失败: %w", err)
		}
		msg.Type = MessageType(msgType)
		if metadata.Valid && metadata.String != "" {
			if err := json.Unmarshal([]byte(metadata.String), &msg.Metadata); err != nil {
				return nil, fmt.Errorf("解析消息元数据失败: %w", err)
			}
		}
		messages = append(messages, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历会话消息失败: %w", err)
	}
	return messages, nil
}

// CreateAction 以 pending 状态写入一条动作记录。
func (s *MySQLStore) CreateAction(ctx context.Context, record *ActionRecord) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	now := time.Now()
	record.Status = ActionPending
	record.CreatedAt = now
	record.UpdatedAt = now

	parameters, err := encodeJSON(record.Parameters)
	if err != nil {
		return fmt.Errorf("序列化动作参数失败: %w", err)
	}

	const stmt = `INSERT INTO agent_actions
        (id, agent_id, action_type, parameters, result, status, error_message, created_at, updated_at)
        VALUES (?, ?, ?, ?, NULL, ?, '', ?, ?)`
	if _, err := s.db.ExecContext(ctx, stmt,
		record.ID,
		record.AgentID,
		record.ActionType,
		parameters,
		string(ActionPending),
		record.CreatedAt,
		record.UpdatedAt,
	); err != nil {
		return fmt.Errorf("写入动作记录失败: %w", err)
	}
	return nil
}

// CompleteAction 将动作记录迁移到 completed。
func (s *MySQLStore) CompleteAction(ctx context.Context, id string, result map[string]any) error {
	encoded, err := encodeJSON(result)
	if err != nil {
		return fmt.Errorf("序列化动作结果失败: %w", err)
	}

	const stmt = `UPDATE agent_actions SET status = ?, result = ?, updated_at = ?
        WHERE id = ? AND status = ?`
	return s.finalizeAction(ctx, id, stmt, string(ActionCompleted), encoded, time.Now(), id, string(ActionPending))
}

// FailAction 将动作记录迁移到 error。
func (s *MySQLStore) FailAction(ctx context.Context, id string, errorMessage string) error {
	const stmt = `UPDATE agent_actions SET status = ?, error_message = ?, updated_at = ?
        WHERE id = ? AND status = ?`
	return s.finalizeAction(ctx, id, stmt, string(ActionError), errorMessage, time.Now(), id, string(ActionPending))
}

func (s *MySQLStore) finalizeAction(ctx context.Context, id, stmt string, args ...any) error {
	res, err := s.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return fmt.Errorf("更新动作记录失败: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("读取更新结果失败: %w", err)
	}
	if affected == 0 {
		var status string
		err := s.db.QueryRowContext(ctx, `SELECT status FROM agent_actions WHERE id = ?`, id).Scan(&status)
		if err == sql.ErrNoRows {
			return ErrActionNotFound
		}
		if err != nil {
			return fmt.Errorf("查询动作状态失败: %w", err)
		}
		return ErrActionFinalized
	}
	return nil
}

// GetAction 返回指定的动作记录。
func (s *MySQLStore) GetAction(ctx context.Context, id string) (*ActionRecord, error) {
	var record ActionRecord
	var status string
	var parameters, result sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT id, agent_id, action_type, parameters, result, status, error_message, created_at, updated_at
        FROM agent_actions WHERE id = ?`, id).Scan(
		&record.ID, &record.AgentID, &record.ActionType, &parameters, &result, &status, &record.ErrorMessage, &record.CreatedAt, &record.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrActionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("查询动作记录失败: %w", err)
	}
	record.Status = ActionStatus(status)
	if parameters.Valid && parameters.String != "" {
		if err := json.Unmarshal([]byte(parameters.String), &record.Parameters); err != nil {
			return nil, fmt.Errorf("解析动作参数失败: %w", err)
		}
	}
	if result.Valid && result.String != "" {
		if err := json.Unmarshal([]byte(result.String), &record.Result); err != nil {
			return nil, fmt.Errorf("解析动作结果失败: %w", err)
		}
	}
	return &record, nil
}

// ListActions 按创建时间顺序返回智能体最近的动作记录。
func (s *MySQLStore) ListActions(ctx context.Context, agentID string, limit int) ([]*ActionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, agent_id, action_type, parameters, result, status, error_message, created_at, updated_at
        FROM agent_actions WHERE agent_id = ? ORDER BY created_at DESC LIMIT ?`, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("查询动作记录失败: %w", err)
	}
	defer rows.Close()

	var results []*ActionRecord
	for rows.Next() {
		var record ActionRecord
		var status string
		var parameters, result sql.NullString
		if err := rows.Scan(&record.ID, &record.AgentID, &record.ActionType, &parameters, &result, &status,
			&record.ErrorMessage, &record.CreatedAt, &record.UpdatedAt); err != nil {
			return nil, fmt.Errorf("读取动作记录失败: %w", err)
		}
		record.Status = ActionStatus(status)
		if parameters.Valid && parameters.String != "" {
			if err := json.Unmarshal([]byte(parameters.String), &record.Parameters); err != nil {
				return nil, fmt.Errorf("解析动作参数失败: %w", err)
			}
		}
		if result.Valid && result.String != "" {
			if err := json.Unmarshal([]byte(result.String), &record.Result); err != nil {
				return nil, fmt.Errorf("解析动作结果失败: %w", err)
			}
		}
		results = append(results, &record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历动作记录失败: %w", err)
	}
	// 反转为时间升序
	for i, j := 0, len(results)-1; i < j; i, j = i+1, j-1 {
		results[i], results[j] = results[j], results[i]
	}
	return results, nil
}

// SaveWallet 以 upsert 的方式写入钱包配置。
func (s *MySQLStore) SaveWallet(ctx context.Context, record *WalletRecord) error {
	record.UpdatedAt = time.Now()

	const stmt = `INSERT INTO agent_wallets (agent_id, wallet_id, network_id, address, configuration, updated_at)
        VALUES (?, ?, ?, ?, ?, ?)
        ON DUPLICATE KEY UPDATE wallet_id = VALUES(wallet_id), network_id = VALUES(network_id),
        address = VALUES(address), configuration = VALUES(configuration), updated_at = VALUES(updated_at)`
	if _, err := s.db.ExecContext(ctx, stmt,
		record.AgentID,
		record.WalletID,
		record.NetworkID,
		record.Address,
		string(record.Configuration),
		record.UpdatedAt,
	); err != nil {
		return fmt.Errorf("写入钱包配置失败: %w", err)
	}
	return nil
}

// GetWallet 返回指定智能体的钱包配置。
func (s *MySQLStore) GetWallet(ctx context.Context, agentID string) (*WalletRecord, error) {
	var record WalletRecord
	var configuration string
	err := s.db.QueryRowContext(ctx, `SELECT agent_id, wallet_id, network_id, address, configuration, updated_at
        FROM agent_wallets WHERE agent_id = ?`, agentID).Scan(
		&record.AgentID, &record.WalletID, &record.NetworkID, &record.Address, &configuration, &record.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrWalletNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("查询钱包配置失败: %w", err)
	}
	record.Configuration = []byte(configuration)
	return &record, nil
}

// Close 关闭底层数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func encodeJSON(values map[string]any) (any, error) {
	if values == nil {
		return nil, nil
	}
	encoded, err := json.Marshal(values)
	if err != nil {
		return nil, err
	}
	return string(encoded), nil
}
